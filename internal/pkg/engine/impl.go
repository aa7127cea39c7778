package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/speedduel/internal/pkg/auth"
	"github.com/vreid/speedduel/internal/pkg/bank"
	"github.com/vreid/speedduel/internal/pkg/commitment"
	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/duel"
	"github.com/vreid/speedduel/internal/pkg/ledger"
	"github.com/vreid/speedduel/internal/pkg/rating"
	"github.com/vreid/speedduel/internal/pkg/registry"
	bolt "go.etcd.io/bbolt"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	ErrStakeOutOfRange = errors.New("stake out of range")
	ErrDuelNotFound    = errors.New("duel not found")
	ErrInvalidDigest   = errors.New("digest must be 64 hex characters")
)

// EngineService coordinates duels, escrow and ratings. Every mutating
// operation runs as a single bbolt write transaction, so duel state, the
// escrow ledger and the open-duel index either all change or none do, and
// concurrent operations on the same duel serialize on the store's writer.
type EngineService struct {
	DatabaseService *common.DatabaseService
	Bank            bank.Bank
	EventSink       chan<- Event

	MinStake         int64
	MaxStake         int64
	DuelTTL          time.Duration
	FeeBps           int64
	FeeAccount       string
	ForfeitAwardsWin bool

	// Now is the engine clock; tests substitute it to drive expiry.
	Now func() time.Time
}

func NewEngineService(i do.Injector) (*EngineService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	bankService := do.MustInvoke[bank.Bank](i)
	eventSink := do.MustInvokeNamed[chan<- Event](i, "event-sink")

	result := &EngineService{
		DatabaseService: databaseService,
		Bank:            bankService,
		EventSink:       eventSink,

		MinStake:         do.MustInvokeNamed[int64](i, "min-stake"),
		MaxStake:         do.MustInvokeNamed[int64](i, "max-stake"),
		DuelTTL:          time.Duration(do.MustInvokeNamed[int](i, "duel-ttl-seconds")) * time.Second,
		FeeBps:           do.MustInvokeNamed[int64](i, "fee-bps"),
		FeeAccount:       do.MustInvokeNamed[string](i, "fee-account"),
		ForfeitAwardsWin: do.MustInvokeNamed[bool](i, "forfeit-awards-win"),

		Now: time.Now,
	}

	authService := do.MustInvoke[*auth.AuthService](i)

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		duelsGroup := apiGroup.Group("/duels")
		duelsGroup.GET("", result.handleOpenDuels)
		duelsGroup.GET("/:id", result.handleGetDuel)

		mutatingGroup := duelsGroup.Group("", authService.Middleware())
		mutatingGroup.POST("", result.handleCreateDuel)
		mutatingGroup.POST("/:id/join", result.handleJoinDuel)
		mutatingGroup.POST("/:id/commit", result.handleCommitMove)
		mutatingGroup.POST("/:id/reveal", result.handleRevealMove)
		mutatingGroup.POST("/:id/quick", result.handleQuickMove)
		mutatingGroup.POST("/:id/cancel", result.handleCancelDuel)

		apiGroup.POST("/withdrawals", result.handleWithdraw, authService.Middleware())
		apiGroup.GET("/players/:address", result.handlePlayerStats)
	})

	return result, nil
}

// CreateDuel locks the caller's stake and lists a new open duel.
func (s *EngineService) CreateDuel(caller string, stake int64) (duel.Snapshot, error) {
	if stake < s.MinStake || stake > s.MaxStake {
		return duel.Snapshot{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrStakeOutOfRange, stake, s.MinStake, s.MaxStake)
	}

	var snap duel.Snapshot

	err := s.db().Update(func(tx *bolt.Tx) error {
		duels := tx.Bucket([]byte(common.DuelsBucket))
		if duels == nil {
			return ledger.ErrBucketNotFound
		}

		id, err := duels.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate duel id: %w", err)
		}

		now := s.Now().Unix()
		d := duel.New(id, caller, stake, now, now+int64(s.DuelTTL.Seconds()))

		err = s.Bank.Debit(caller, stake)
		if err != nil {
			return fmt.Errorf("failed to debit stake: %w", err)
		}

		err = ledger.Lock(tx, id, stake)
		if err != nil {
			return err
		}

		err = ledger.EnsurePlayer(tx, caller)
		if err != nil {
			return err
		}

		err = registry.Insert(tx, id)
		if err != nil {
			return err
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit([]pendingEvent{{typ: EventDuelCreated, duelID: snap.ID, actor: caller, amount: stake}})

	return snap, nil
}

// JoinDuel fills the opponent slot of an open duel with a matching stake.
func (s *EngineService) JoinDuel(caller string, id uint64, stake int64) (duel.Snapshot, error) {
	var (
		snap    duel.Snapshot
		pending []pendingEvent
	)

	err := s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		err = d.Join(caller, stake, s.deadline())
		if err != nil {
			return err
		}

		err = s.Bank.Debit(caller, stake)
		if err != nil {
			return fmt.Errorf("failed to debit stake: %w", err)
		}

		err = ledger.Lock(tx, id, stake)
		if err != nil {
			return err
		}

		err = ledger.EnsurePlayer(tx, caller)
		if err != nil {
			return err
		}

		err = registry.Remove(tx, id)
		if err != nil {
			return err
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		pending = append(pending, pendingEvent{typ: EventDuelJoined, duelID: id, actor: caller, amount: stake})
		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// CommitMove stores the caller's move digest, exactly once per participant.
func (s *EngineService) CommitMove(caller string, id uint64, digest string) (duel.Snapshot, error) {
	if !validDigest(digest) {
		return duel.Snapshot{}, ErrInvalidDigest
	}

	var (
		snap    duel.Snapshot
		pending []pendingEvent
	)

	err := s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		err = d.Commit(caller, digest, s.deadline())
		if err != nil {
			return err
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		pending = append(pending, pendingEvent{typ: EventMoveCommitted, duelID: id, actor: caller})
		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// RevealMove verifies (move, secret) against the caller's commitment;
// when both moves are revealed the duel resolves in the same transaction.
func (s *EngineService) RevealMove(caller string, id uint64, move duel.Move, secret []byte) (duel.Snapshot, error) {
	var (
		snap    duel.Snapshot
		pending []pendingEvent
	)

	err := s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		err = d.Reveal(caller, move, secret)
		if err != nil {
			return err
		}

		pending = append(pending, pendingEvent{typ: EventMoveRevealed, duelID: id, actor: caller})

		if d.BothRevealed() {
			err = s.resolve(tx, d, &pending)
			if err != nil {
				return err
			}
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// QuickMove commits and reveals in one call: the digest is computed
// server-side from (move, secret). Restores the original one-call flow
// while snapshots keep moves redacted until the duel is terminal.
func (s *EngineService) QuickMove(caller string, id uint64, move duel.Move, secret []byte) (duel.Snapshot, error) {
	if !move.Valid() {
		return duel.Snapshot{}, duel.ErrInvalidMove
	}

	var (
		snap    duel.Snapshot
		pending []pendingEvent
	)

	err := s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		if !d.HasCommitted(caller) {
			digest := commitment.Digest(id, caller, uint8(move), secret)

			err = d.Commit(caller, digest, s.deadline())
			if err != nil {
				return err
			}

			pending = append(pending, pendingEvent{typ: EventMoveCommitted, duelID: id, actor: caller})
		}

		err = d.Reveal(caller, move, secret)
		if err != nil {
			return err
		}

		pending = append(pending, pendingEvent{typ: EventMoveRevealed, duelID: id, actor: caller})

		if d.BothRevealed() {
			err = s.resolve(tx, d, &pending)
			if err != nil {
				return err
			}
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// CancelDuel lets the creator withdraw an open duel before anyone joins.
func (s *EngineService) CancelDuel(caller string, id uint64) (duel.Snapshot, error) {
	var (
		snap    duel.Snapshot
		pending []pendingEvent
	)

	err := s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		if d.Status != duel.StatusOpen {
			return duel.ErrNotOpen
		}

		if caller != d.Creator {
			return duel.ErrNotParticipant
		}

		err = s.refundAndCancel(tx, d)
		if err != nil {
			return err
		}

		err = s.putDuel(tx, d)
		if err != nil {
			return err
		}

		pending = append(pending, pendingEvent{typ: EventDuelCancelled, duelID: id, actor: caller})
		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// Withdraw drains the caller's pending balance and pushes it to the
// external transfer. Exactly-once: a second call returns zero.
func (s *EngineService) Withdraw(caller string) (int64, error) {
	var amount int64

	err := s.db().Update(func(tx *bolt.Tx) error {
		var err error

		amount, err = ledger.Withdraw(tx, caller)
		if err != nil {
			return err
		}

		if amount == 0 {
			return nil
		}

		err = s.Bank.Credit(caller, amount)
		if err != nil {
			return fmt.Errorf("failed to credit withdrawal: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return amount, nil
}

// GetDuel returns a redacted snapshot. Reading an expired duel triggers the
// lazy expiry sweep first, so no duel stays stuck past its window once
// anyone looks at it.
func (s *EngineService) GetDuel(id uint64) (duel.Snapshot, error) {
	var (
		snap       duel.Snapshot
		needsSweep bool
	)

	err := s.db().View(func(tx *bolt.Tx) error {
		d, err := s.loadDuel(tx, id)
		if err != nil {
			return err
		}

		needsSweep = s.expired(d)
		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	if !needsSweep {
		return snap, nil
	}

	var pending []pendingEvent

	err = s.db().Update(func(tx *bolt.Tx) error {
		d, err := s.touch(tx, id, &pending)
		if err != nil {
			return err
		}

		snap = d.Snapshot()

		return nil
	})
	if err != nil {
		return duel.Snapshot{}, err
	}

	s.emit(pending)

	return snap, nil
}

// OpenDuels pages through joinable duel ids in creation order. Entries that
// already left Open (or silently expired) are filtered out without
// mutation.
func (s *EngineService) OpenDuels(limit, offset int) ([]uint64, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	if limit > maxPageSize {
		limit = maxPageSize
	}

	if offset < 0 {
		offset = 0
	}

	var ids []uint64

	err := s.db().View(func(tx *bolt.Tx) error {
		var err error

		ids, err = registry.List(tx, limit, offset, func(id uint64) bool {
			d, err := s.loadDuel(tx, id)

			return err == nil && d.Status == duel.StatusOpen && !s.expired(d)
		})

		return err
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// PlayerStats returns a player's career record; unknown players read as the
// baseline record.
func (s *EngineService) PlayerStats(address string) (*duel.PlayerRecord, error) {
	var record *duel.PlayerRecord

	err := s.db().View(func(tx *bolt.Tx) error {
		var err error

		record, err = ledger.GetPlayer(tx, address)

		return err
	})
	if err != nil {
		return nil, err
	}

	if record == nil {
		record = duel.NewPlayerRecord(address)
	}

	return record, nil
}

func (s *EngineService) db() *bolt.DB {
	return s.DatabaseService.DB
}

func (s *EngineService) deadline() int64 {
	return s.Now().Add(s.DuelTTL).Unix()
}

func (s *EngineService) expired(d *duel.Duel) bool {
	return !d.Status.Terminal() && s.Now().Unix() > d.ExpiresAt
}

func (s *EngineService) loadDuel(tx *bolt.Tx, id uint64) (*duel.Duel, error) {
	duels := tx.Bucket([]byte(common.DuelsBucket))
	if duels == nil {
		return nil, ledger.ErrBucketNotFound
	}

	data := duels.Get(common.Uint64ToKey(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrDuelNotFound, id)
	}

	var d duel.Duel

	err := json.Unmarshal(data, &d)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal duel: %w", err)
	}

	return &d, nil
}

func (s *EngineService) putDuel(tx *bolt.Tx, d *duel.Duel) error {
	duels := tx.Bucket([]byte(common.DuelsBucket))
	if duels == nil {
		return ledger.ErrBucketNotFound
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal duel: %w", err)
	}

	err = duels.Put(common.Uint64ToKey(d.ID), data)
	if err != nil {
		return fmt.Errorf("failed to put duel: %w", err)
	}

	return nil
}

// touch loads a duel and applies the lazy expiry sweep before the caller's
// operation sees it.
func (s *EngineService) touch(tx *bolt.Tx, id uint64, pending *[]pendingEvent) (*duel.Duel, error) {
	d, err := s.loadDuel(tx, id)
	if err != nil {
		return nil, err
	}

	if !s.expired(d) {
		return d, nil
	}

	err = s.sweepExpired(tx, d, pending)
	if err != nil {
		return nil, err
	}

	err = s.putDuel(tx, d)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// sweepExpired applies the timeout policy to a non-terminal duel whose
// window has passed: refund while Open, forfeit when exactly one side
// acted, mutual refund when both stayed silent.
func (s *EngineService) sweepExpired(tx *bolt.Tx, d *duel.Duel, pending *[]pendingEvent) error {
	switch d.Status {
	case duel.StatusOpen:
		err := s.refundAndCancel(tx, d)
		if err != nil {
			return err
		}

		*pending = append(*pending, pendingEvent{typ: EventDuelCancelled, duelID: d.ID, actor: d.Creator})

		return nil

	case duel.StatusInProgress:
		return s.sweepOneSided(tx, d, d.HasCommitted(d.Creator), d.HasCommitted(d.Opponent), pending)

	case duel.StatusRevealing:
		return s.sweepOneSided(tx, d, d.HasRevealed(d.Creator), d.HasRevealed(d.Opponent), pending)

	default:
		return nil
	}
}

func (s *EngineService) sweepOneSided(tx *bolt.Tx, d *duel.Duel, creatorActed, opponentActed bool, pending *[]pendingEvent) error {
	switch {
	case creatorActed && !opponentActed:
		return s.forfeit(tx, d, d.Creator, pending)
	case opponentActed && !creatorActed:
		return s.forfeit(tx, d, d.Opponent, pending)
	default:
		// both silent: non-competitive cancellation, mutual refund
		err := ledger.Settle(tx, d.ID, map[string]int64{
			d.Creator:  d.Stake,
			d.Opponent: d.Stake,
		})
		if err != nil {
			return err
		}

		d.Status = duel.StatusCancelled

		*pending = append(*pending, pendingEvent{typ: EventDuelCancelled, duelID: d.ID})

		return nil
	}
}

// forfeit resolves an expired duel in favor of the side that acted. Under
// the default policy the actor takes the whole pot (no protocol fee) and
// the result counts competitively; the alternative policy refunds both
// sides with no stats impact.
func (s *EngineService) forfeit(tx *bolt.Tx, d *duel.Duel, winner string, pending *[]pendingEvent) error {
	loser := d.Other(winner)
	pot := d.Stake * 2

	if !s.ForfeitAwardsWin {
		err := ledger.Settle(tx, d.ID, map[string]int64{
			winner: d.Stake,
			loser:  d.Stake,
		})
		if err != nil {
			return err
		}

		d.Status = duel.StatusCancelled

		*pending = append(*pending, pendingEvent{typ: EventDuelCancelled, duelID: d.ID})

		return nil
	}

	err := ledger.Settle(tx, d.ID, map[string]int64{winner: pot})
	if err != nil {
		return err
	}

	err = s.applyResult(tx, winner, loser, pot)
	if err != nil {
		return err
	}

	d.Status = duel.StatusCompleted
	d.Winner = winner

	*pending = append(*pending, pendingEvent{typ: EventDuelCompleted, duelID: d.ID, actor: winner, amount: pot})

	return nil
}

// refundAndCancel settles an Open duel back to its creator.
func (s *EngineService) refundAndCancel(tx *bolt.Tx, d *duel.Duel) error {
	err := ledger.Settle(tx, d.ID, map[string]int64{d.Creator: d.Stake})
	if err != nil {
		return err
	}

	err = registry.Remove(tx, d.ID)
	if err != nil {
		return err
	}

	d.Status = duel.StatusCancelled

	return nil
}

// resolve settles a duel whose two reveals both verified. Runs inside the
// reveal's transaction, so there is no observable intermediate state.
func (s *EngineService) resolve(tx *bolt.Tx, d *duel.Duel, pending *[]pendingEvent) error {
	winner, draw := d.Outcome()
	pot := d.Stake * 2

	if draw {
		err := ledger.Settle(tx, d.ID, map[string]int64{
			d.Creator:  d.Stake,
			d.Opponent: d.Stake,
		})
		if err != nil {
			return err
		}

		err = s.applyDraw(tx, d.Creator, d.Opponent)
		if err != nil {
			return err
		}

		d.Status = duel.StatusCompleted

		*pending = append(*pending, pendingEvent{typ: EventDuelCompleted, duelID: d.ID})

		return nil
	}

	fee := pot * s.FeeBps / 10000

	payouts := map[string]int64{winner: pot - fee}
	if fee > 0 {
		payouts[s.FeeAccount] += fee
	}

	err := ledger.Settle(tx, d.ID, payouts)
	if err != nil {
		return err
	}

	err = s.applyResult(tx, winner, d.Other(winner), pot-fee)
	if err != nil {
		return err
	}

	d.Status = duel.StatusCompleted
	d.Winner = winner

	*pending = append(*pending, pendingEvent{typ: EventDuelCompleted, duelID: d.ID, actor: winner, amount: pot - fee})

	return nil
}

func (s *EngineService) applyResult(tx *bolt.Tx, winner, loser string, earnings int64) error {
	winnerRecord, err := ledger.GetOrInitPlayer(tx, winner)
	if err != nil {
		return err
	}

	loserRecord, err := ledger.GetOrInitPlayer(tx, loser)
	if err != nil {
		return err
	}

	winnerRecord.Wins++
	winnerRecord.GamesPlayed++
	winnerRecord.TotalEarnings += earnings

	loserRecord.Losses++
	loserRecord.GamesPlayed++

	winnerRecord.Rating, loserRecord.Rating = rating.Update(winnerRecord.Rating, loserRecord.Rating, rating.Win)

	err = ledger.PutPlayer(tx, winnerRecord)
	if err != nil {
		return err
	}

	return ledger.PutPlayer(tx, loserRecord)
}

func (s *EngineService) applyDraw(tx *bolt.Tx, a, b string) error {
	recordA, err := ledger.GetOrInitPlayer(tx, a)
	if err != nil {
		return err
	}

	recordB, err := ledger.GetOrInitPlayer(tx, b)
	if err != nil {
		return err
	}

	recordA.Draws++
	recordA.GamesPlayed++
	recordB.Draws++
	recordB.GamesPlayed++

	recordA.Rating, recordB.Rating = rating.Update(recordA.Rating, recordB.Rating, rating.Draw)

	err = ledger.PutPlayer(tx, recordA)
	if err != nil {
		return err
	}

	return ledger.PutPlayer(tx, recordB)
}

func (s *EngineService) emit(pending []pendingEvent) {
	if s.EventSink == nil {
		return
	}

	at := s.Now().Unix()

	for _, p := range pending {
		s.EventSink <- Event{
			ID:     uuid.NewString(),
			Type:   p.typ,
			DuelID: p.duelID,
			Actor:  p.actor,
			Amount: p.amount,
			At:     at,
		}
	}
}

func validDigest(digest string) bool {
	if len(digest) != 64 {
		return false
	}

	for _, r := range digest {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}

	return true
}
