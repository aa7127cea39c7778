package registry

import (
	"errors"
	"fmt"

	"github.com/vreid/speedduel/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

var ErrBucketNotFound = errors.New("open duels bucket doesn't exist")

// Insert adds a duel id to the open set. Keys are big-endian ids, so cursor
// order is creation order.
func Insert(tx *bolt.Tx, duelID uint64) error {
	open := tx.Bucket([]byte(common.OpenDuelsBucket))
	if open == nil {
		return ErrBucketNotFound
	}

	err := open.Put(common.Uint64ToKey(duelID), nil)
	if err != nil {
		return fmt.Errorf("failed to insert open duel: %w", err)
	}

	return nil
}

// Remove drops a duel id on any exit from Open. Removing an absent id is a
// no-op.
func Remove(tx *bolt.Tx, duelID uint64) error {
	open := tx.Bucket([]byte(common.OpenDuelsBucket))
	if open == nil {
		return ErrBucketNotFound
	}

	err := open.Delete(common.Uint64ToKey(duelID))
	if err != nil {
		return fmt.Errorf("failed to remove open duel: %w", err)
	}

	return nil
}

// List pages through open duel ids in creation order. stillOpen is the
// lazy-filter backstop: ids failing it are skipped without mutation and do
// not count toward offset or limit.
func List(tx *bolt.Tx, limit, offset int, stillOpen func(uint64) bool) ([]uint64, error) {
	open := tx.Bucket([]byte(common.OpenDuelsBucket))
	if open == nil {
		return nil, ErrBucketNotFound
	}

	result := make([]uint64, 0, limit)
	skipped := 0

	c := open.Cursor()
	for k, _ := c.First(); k != nil && len(result) < limit; k, _ = c.Next() {
		id := common.KeyToUint64(k)

		if stillOpen != nil && !stillOpen(id) {
			continue
		}

		if skipped < offset {
			skipped++

			continue
		}

		result = append(result, id)
	}

	return result, nil
}
