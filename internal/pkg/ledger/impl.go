package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/duel"
	bolt "go.etcd.io/bbolt"
)

const (
	depositedKey = "deposited"
	withdrawnKey = "withdrawn"
)

var (
	ErrBucketNotFound = errors.New("escrow bucket doesn't exist")

	// ErrLedgerInvariant marks a settlement whose payouts don't add up to
	// the locked total. Unreachable in correct code; returning it aborts
	// the surrounding transaction so no partial mutation survives.
	ErrLedgerInvariant = errors.New("escrow ledger invariant violated")
)

// Lock records amount as escrowed for a duel. The external debit funding it
// must succeed within the same engine transaction.
func Lock(tx *bolt.Tx, duelID uint64, amount int64) error {
	locked := tx.Bucket([]byte(common.EscrowLockedBucket))
	if locked == nil {
		return ErrBucketNotFound
	}

	key := common.Uint64ToKey(duelID)
	total := common.BytesToInt64(locked.Get(key), 0) + amount

	err := locked.Put(key, common.Int64ToBytes(total))
	if err != nil {
		return fmt.Errorf("failed to put locked total: %w", err)
	}

	return addTotal(tx, depositedKey, amount)
}

// Locked returns the duel's current locked total.
func Locked(tx *bolt.Tx, duelID uint64) int64 {
	locked := tx.Bucket([]byte(common.EscrowLockedBucket))
	if locked == nil {
		return 0
	}

	return common.BytesToInt64(locked.Get(common.Uint64ToKey(duelID)), 0)
}

// Settle zeroes a duel's locked total and credits each payout to the
// player's pending balance. Payouts must sum to exactly the locked total;
// anything else is a programming error surfaced as ErrLedgerInvariant.
func Settle(tx *bolt.Tx, duelID uint64, payouts map[string]int64) error {
	locked := tx.Bucket([]byte(common.EscrowLockedBucket))
	if locked == nil {
		return ErrBucketNotFound
	}

	lockedTotal := Locked(tx, duelID)

	var sum int64

	for player, amount := range payouts {
		if amount < 0 {
			return fmt.Errorf("%w: negative payout %d for %s", ErrLedgerInvariant, amount, player)
		}

		sum += amount
	}

	if sum != lockedTotal {
		return fmt.Errorf("%w: payouts sum to %d, locked total is %d", ErrLedgerInvariant, sum, lockedTotal)
	}

	err := locked.Delete(common.Uint64ToKey(duelID))
	if err != nil {
		return fmt.Errorf("failed to clear locked total: %w", err)
	}

	for player, amount := range payouts {
		if amount == 0 {
			continue
		}

		record, err := GetOrInitPlayer(tx, player)
		if err != nil {
			return err
		}

		record.PendingBalance += amount

		err = PutPlayer(tx, record)
		if err != nil {
			return err
		}
	}

	return nil
}

// Withdraw atomically drains a player's pending balance and returns the
// amount owed to the external transfer.
func Withdraw(tx *bolt.Tx, player string) (int64, error) {
	record, err := GetOrInitPlayer(tx, player)
	if err != nil {
		return 0, err
	}

	amount := record.PendingBalance
	if amount == 0 {
		return 0, nil
	}

	record.PendingBalance = 0

	err = PutPlayer(tx, record)
	if err != nil {
		return 0, err
	}

	err = addTotal(tx, withdrawnKey, amount)
	if err != nil {
		return 0, err
	}

	return amount, nil
}

// GetPlayer loads a player record, nil when the player never interacted.
func GetPlayer(tx *bolt.Tx, address string) (*duel.PlayerRecord, error) {
	players := tx.Bucket([]byte(common.PlayersBucket))
	if players == nil {
		return nil, ErrBucketNotFound
	}

	data := players.Get([]byte(address))
	if data == nil {
		return nil, nil
	}

	var record duel.PlayerRecord

	err := json.Unmarshal(data, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal player record: %w", err)
	}

	return &record, nil
}

// GetOrInitPlayer loads a player record, falling back to the baseline
// record on first interaction.
func GetOrInitPlayer(tx *bolt.Tx, address string) (*duel.PlayerRecord, error) {
	record, err := GetPlayer(tx, address)
	if err != nil {
		return nil, err
	}

	if record == nil {
		record = duel.NewPlayerRecord(address)
	}

	return record, nil
}

func PutPlayer(tx *bolt.Tx, record *duel.PlayerRecord) error {
	players := tx.Bucket([]byte(common.PlayersBucket))
	if players == nil {
		return ErrBucketNotFound
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal player record: %w", err)
	}

	err = players.Put([]byte(record.Address), data)
	if err != nil {
		return fmt.Errorf("failed to put player record: %w", err)
	}

	return nil
}

// EnsurePlayer persists the baseline record on a player's first
// interaction.
func EnsurePlayer(tx *bolt.Tx, address string) error {
	record, err := GetPlayer(tx, address)
	if err != nil {
		return err
	}

	if record != nil {
		return nil
	}

	return PutPlayer(tx, duel.NewPlayerRecord(address))
}

// Deposited is the total ever accepted into escrow.
func Deposited(tx *bolt.Tx) int64 {
	return total(tx, depositedKey)
}

// Withdrawn is the total ever paid back out.
func Withdrawn(tx *bolt.Tx) int64 {
	return total(tx, withdrawnKey)
}

// CheckInvariant verifies the global escrow identity: locked totals plus
// pending balances equals deposits minus withdrawals.
func CheckInvariant(tx *bolt.Tx) error {
	locked := tx.Bucket([]byte(common.EscrowLockedBucket))
	players := tx.Bucket([]byte(common.PlayersBucket))

	if locked == nil || players == nil {
		return ErrBucketNotFound
	}

	var lockedSum int64

	err := locked.ForEach(func(_, v []byte) error {
		lockedSum += common.BytesToInt64(v, 0)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sum locked totals: %w", err)
	}

	var pendingSum int64

	err = players.ForEach(func(_, v []byte) error {
		var record duel.PlayerRecord

		err := json.Unmarshal(v, &record)
		if err != nil {
			return fmt.Errorf("failed to unmarshal player record: %w", err)
		}

		pendingSum += record.PendingBalance

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sum pending balances: %w", err)
	}

	net := Deposited(tx) - Withdrawn(tx)
	if lockedSum+pendingSum != net {
		return fmt.Errorf("%w: locked %d + pending %d != deposited-withdrawn %d",
			ErrLedgerInvariant, lockedSum, pendingSum, net)
	}

	return nil
}

func total(tx *bolt.Tx, key string) int64 {
	totals := tx.Bucket([]byte(common.EscrowTotalsBucket))
	if totals == nil {
		return 0
	}

	return common.BytesToInt64(totals.Get([]byte(key)), 0)
}

func addTotal(tx *bolt.Tx, key string, delta int64) error {
	totals := tx.Bucket([]byte(common.EscrowTotalsBucket))
	if totals == nil {
		return ErrBucketNotFound
	}

	value := common.BytesToInt64(totals.Get([]byte(key)), 0) + delta

	err := totals.Put([]byte(key), common.Int64ToBytes(value))
	if err != nil {
		return fmt.Errorf("failed to put escrow total: %w", err)
	}

	return nil
}
