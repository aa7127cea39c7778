package engine_test

import (
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/speedduel/internal/pkg/bank"
	"github.com/vreid/speedduel/internal/pkg/commitment"
	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/duel"
	"github.com/vreid/speedduel/internal/pkg/engine"
	"github.com/vreid/speedduel/internal/pkg/ledger"
	"github.com/vreid/speedduel/internal/pkg/rating"
)

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"

	openingBalance = int64(1_000_000)
	testTTL        = 5 * time.Minute
)

// fakeClock drives expiry deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*engine.EngineService, *bank.MemoryBank, *fakeClock) {
	t.Helper()

	database, err := common.Open(path.Join(t.TempDir(), "engine_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	memoryBank := bank.NewMemoryBankWith(openingBalance)
	clock := newFakeClock()

	return &engine.EngineService{
		DatabaseService: database,
		Bank:            memoryBank,

		MinStake:         1,
		MaxStake:         10_000,
		DuelTTL:          testTTL,
		FeeBps:           0,
		FeeAccount:       "treasury",
		ForfeitAwardsWin: true,

		Now: clock.Now,
	}, memoryBank, clock
}

func checkInvariant(t *testing.T, s *engine.EngineService) {
	t.Helper()
	require.NoError(t, s.DatabaseService.DB.View(ledger.CheckInvariant))
}

func createJoined(t *testing.T, s *engine.EngineService, stake int64) uint64 {
	t.Helper()

	snap, err := s.CreateDuel(alice, stake)
	require.NoError(t, err)

	_, err = s.JoinDuel(bob, snap.ID, stake)
	require.NoError(t, err)

	return snap.ID
}

func commitMove(t *testing.T, s *engine.EngineService, id uint64, player string, move duel.Move, secret []byte) {
	t.Helper()

	digest := commitment.Digest(id, player, uint8(move), secret)

	_, err := s.CommitMove(player, id, digest)
	require.NoError(t, err)
}

func stats(t *testing.T, s *engine.EngineService, player string) *duel.PlayerRecord {
	t.Helper()

	record, err := s.PlayerStats(player)
	require.NoError(t, err)

	return record
}

func TestCreateDuel(t *testing.T) {
	t.Parallel()

	s, memoryBank, _ := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	assert.Equal(t, alice, snap.Creator)
	assert.Equal(t, int64(1000), snap.Stake)
	assert.Equal(t, duel.StatusOpen, snap.Status)
	assert.Equal(t, "open", snap.StatusName)
	assert.Equal(t, snap.CreatedAt+int64(testTTL.Seconds()), snap.ExpiresAt)

	assert.Equal(t, openingBalance-1000, memoryBank.Balance(alice))

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{snap.ID}, ids)

	checkInvariant(t, s)
}

func TestCreateDuelStakeOutOfRange(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	_, err := s.CreateDuel(alice, 0)
	assert.ErrorIs(t, err, engine.ErrStakeOutOfRange)

	_, err = s.CreateDuel(alice, 10_001)
	assert.ErrorIs(t, err, engine.ErrStakeOutOfRange)
}

func TestCreateDuelInsufficientFundsRollsBack(t *testing.T) {
	t.Parallel()

	s, memoryBank, _ := newTestEngine(t)

	require.NoError(t, memoryBank.Debit(alice, openingBalance-100))

	_, err := s.CreateDuel(alice, 1000)
	assert.ErrorIs(t, err, bank.ErrInsufficientFunds)

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "a failed create must leave no duel behind")

	checkInvariant(t, s)
}

func TestJoinDuel(t *testing.T) {
	t.Parallel()

	s, memoryBank, _ := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	_, err = s.JoinDuel(alice, snap.ID, 1000)
	assert.ErrorIs(t, err, duel.ErrSelfJoin)

	_, err = s.JoinDuel(bob, snap.ID, 500)
	assert.ErrorIs(t, err, duel.ErrStakeMismatch)

	joined, err := s.JoinDuel(bob, snap.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusInProgress, joined.Status)
	assert.Equal(t, bob, joined.Opponent)
	assert.Equal(t, openingBalance-1000, memoryBank.Balance(bob))

	_, err = s.JoinDuel(carol, snap.ID, 1000)
	assert.ErrorIs(t, err, duel.ErrNotOpen)

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "joined duels leave the open list")

	checkInvariant(t, s)
}

func TestJoinMissingDuel(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	_, err := s.JoinDuel(bob, 42, 1000)
	assert.ErrorIs(t, err, engine.ErrDuelNotFound)
}

func TestConcurrentJoinAdmitsExactlyOne(t *testing.T) {
	t.Parallel()

	s, memoryBank, _ := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)

	for i, player := range []string{bob, carol} {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = s.JoinDuel(player, snap.ID, 1000)
		}()
	}

	wg.Wait()

	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], duel.ErrNotOpen)
		assert.Equal(t, openingBalance, memoryBank.Balance(carol), "the losing join must not move funds")
	} else {
		require.NoError(t, errs[1])
		assert.ErrorIs(t, errs[0], duel.ErrNotOpen)
		assert.Equal(t, openingBalance, memoryBank.Balance(bob), "the losing join must not move funds")
	}

	checkInvariant(t, s)
}

func TestCommitMoveValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	_, err := s.CommitMove(alice, id, "too-short")
	assert.ErrorIs(t, err, engine.ErrInvalidDigest)

	digest := commitment.Digest(id, alice, uint8(duel.Rock), []byte("alice-secret"))

	_, err = s.CommitMove(carol, id, digest)
	assert.ErrorIs(t, err, duel.ErrNotParticipant)

	_, err = s.CommitMove(alice, id, digest)
	require.NoError(t, err)

	_, err = s.CommitMove(alice, id, digest)
	assert.ErrorIs(t, err, duel.ErrAlreadyCommitted)
}

func TestFullDuel(t *testing.T) {
	t.Parallel()

	s, memoryBank, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	aliceSecret := []byte("alice-secret")
	bobSecret := []byte("bob-secret")

	commitMove(t, s, id, alice, duel.Rock, aliceSecret)
	commitMove(t, s, id, bob, duel.Scissors, bobSecret)
	checkInvariant(t, s)

	snap, err := s.RevealMove(alice, id, duel.Rock, aliceSecret)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusRevealing, snap.Status)
	assert.Equal(t, duel.MoveNone, snap.CreatorMove, "first reveal must stay hidden")

	snap, err = s.RevealMove(bob, id, duel.Scissors, bobSecret)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCompleted, snap.Status)
	assert.Equal(t, alice, snap.Winner)
	assert.Equal(t, duel.Rock, snap.CreatorMove)
	assert.Equal(t, duel.Scissors, snap.OpponentMove)

	winner := stats(t, s, alice)
	assert.Equal(t, int64(1), winner.Wins)
	assert.Equal(t, int64(1), winner.GamesPlayed)
	assert.Equal(t, 1016, winner.Rating)
	assert.Equal(t, int64(2000), winner.TotalEarnings)
	assert.Equal(t, int64(2000), winner.PendingBalance)

	loser := stats(t, s, bob)
	assert.Equal(t, int64(1), loser.Losses)
	assert.Equal(t, 984, loser.Rating)
	assert.Zero(t, loser.PendingBalance)

	checkInvariant(t, s)

	amount, err := s.Withdraw(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), amount)
	assert.Equal(t, openingBalance+1000, memoryBank.Balance(alice))

	amount, err = s.Withdraw(alice)
	require.NoError(t, err)
	assert.Zero(t, amount, "withdrawals are exactly-once")

	checkInvariant(t, s)
}

func TestRevealWrongSecretCanRetry(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	secret := []byte("alice-secret")
	commitMove(t, s, id, alice, duel.Rock, secret)

	_, err := s.RevealMove(alice, id, duel.Rock, []byte("wrong"))
	assert.ErrorIs(t, err, duel.ErrCommitmentMismatch)

	_, err = s.RevealMove(alice, id, duel.Paper, secret)
	assert.ErrorIs(t, err, duel.ErrCommitmentMismatch)

	_, err = s.RevealMove(alice, id, duel.Rock, secret)
	require.NoError(t, err)
}

func TestDraw(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	commitMove(t, s, id, alice, duel.Rock, []byte("alice-secret"))
	commitMove(t, s, id, bob, duel.Rock, []byte("bob-secret"))

	_, err := s.RevealMove(alice, id, duel.Rock, []byte("alice-secret"))
	require.NoError(t, err)

	snap, err := s.RevealMove(bob, id, duel.Rock, []byte("bob-secret"))
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCompleted, snap.Status)
	assert.Empty(t, snap.Winner)

	for _, player := range []string{alice, bob} {
		record := stats(t, s, player)
		assert.Equal(t, int64(1), record.Draws, player)
		assert.Equal(t, int64(1), record.GamesPlayed, player)
		assert.Equal(t, rating.Baseline, record.Rating, "equal ratings stay put on a draw")
		assert.Equal(t, int64(1000), record.PendingBalance, "a draw refunds both stakes")
	}

	checkInvariant(t, s)
}

func TestQuickMove(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	_, err := s.QuickMove(alice, id, duel.Move(9), []byte("alice-secret"))
	assert.ErrorIs(t, err, duel.ErrInvalidMove)

	snap, err := s.QuickMove(alice, id, duel.Paper, []byte("alice-secret"))
	require.NoError(t, err)
	assert.Equal(t, duel.StatusInProgress, snap.Status)
	assert.True(t, snap.CreatorCommitted)

	snap, err = s.QuickMove(bob, id, duel.Rock, []byte("bob-secret"))
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCompleted, snap.Status)
	assert.Equal(t, alice, snap.Winner)

	assert.Equal(t, int64(2000), stats(t, s, alice).PendingBalance)
	checkInvariant(t, s)
}

func TestCancelDuel(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	_, err = s.CancelDuel(bob, snap.ID)
	assert.ErrorIs(t, err, duel.ErrNotParticipant)

	cancelled, err := s.CancelDuel(alice, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCancelled, cancelled.Status)

	assert.Equal(t, int64(1000), stats(t, s, alice).PendingBalance)

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.CancelDuel(alice, snap.ID)
	assert.ErrorIs(t, err, duel.ErrNotOpen)

	checkInvariant(t, s)
}

func TestCancelAfterJoin(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	id := createJoined(t, s, 1000)

	_, err := s.CancelDuel(alice, id)
	assert.ErrorIs(t, err, duel.ErrNotOpen)
}

func TestExpiredOpenDuelIsRefunded(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	clock.Advance(testTTL + time.Second)

	swept, err := s.GetDuel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCancelled, swept.Status)

	assert.Equal(t, int64(1000), stats(t, s, alice).PendingBalance)
	assert.Zero(t, stats(t, s, alice).GamesPlayed, "an expired listing is not a game")

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	checkInvariant(t, s)
}

func TestExpiredCommitPhaseForfeitsToCommitter(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)
	id := createJoined(t, s, 1000)

	commitMove(t, s, id, alice, duel.Rock, []byte("alice-secret"))

	clock.Advance(testTTL + time.Second)

	snap, err := s.GetDuel(id)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCompleted, snap.Status)
	assert.Equal(t, alice, snap.Winner)

	winner := stats(t, s, alice)
	assert.Equal(t, int64(2000), winner.PendingBalance, "forfeit awards the full pot")
	assert.Equal(t, int64(1), winner.Wins)
	assert.Equal(t, 1016, winner.Rating)

	loser := stats(t, s, bob)
	assert.Equal(t, int64(1), loser.Losses)
	assert.Equal(t, 984, loser.Rating)

	checkInvariant(t, s)
}

func TestExpiredRevealPhaseForfeitsToRevealer(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)
	id := createJoined(t, s, 1000)

	commitMove(t, s, id, alice, duel.Rock, []byte("alice-secret"))
	commitMove(t, s, id, bob, duel.Scissors, []byte("bob-secret"))

	_, err := s.RevealMove(bob, id, duel.Scissors, []byte("bob-secret"))
	require.NoError(t, err)

	clock.Advance(testTTL + time.Second)

	snap, err := s.GetDuel(id)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCompleted, snap.Status)
	assert.Equal(t, bob, snap.Winner, "the silent side loses even with a stronger hidden move")

	assert.Equal(t, int64(2000), stats(t, s, bob).PendingBalance)
	checkInvariant(t, s)
}

func TestExpiredWithBothSilentRefundsBoth(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)
	id := createJoined(t, s, 1000)

	clock.Advance(testTTL + time.Second)

	snap, err := s.GetDuel(id)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCancelled, snap.Status)

	for _, player := range []string{alice, bob} {
		record := stats(t, s, player)
		assert.Equal(t, int64(1000), record.PendingBalance, player)
		assert.Zero(t, record.GamesPlayed, player)
		assert.Equal(t, rating.Baseline, record.Rating, player)
	}

	checkInvariant(t, s)
}

func TestForfeitRefundPolicy(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)
	s.ForfeitAwardsWin = false

	id := createJoined(t, s, 1000)
	commitMove(t, s, id, alice, duel.Rock, []byte("alice-secret"))

	clock.Advance(testTTL + time.Second)

	snap, err := s.GetDuel(id)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCancelled, snap.Status)
	assert.Empty(t, snap.Winner)

	for _, player := range []string{alice, bob} {
		record := stats(t, s, player)
		assert.Equal(t, int64(1000), record.PendingBalance, player)
		assert.Zero(t, record.GamesPlayed, player)
	}

	checkInvariant(t, s)
}

func TestExpiryRefreshesOnPhaseChange(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)

	snap, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	clock.Advance(testTTL - time.Second)

	// join inside the window restarts the clock for the commit phase
	joined, err := s.JoinDuel(bob, snap.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix()+int64(testTTL.Seconds()), joined.ExpiresAt)

	clock.Advance(testTTL - time.Second)

	commitMove(t, s, snap.ID, alice, duel.Rock, []byte("alice-secret"))

	current, err := s.GetDuel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusInProgress, current.Status, "the duel must still be live")
}

func TestProtocolFee(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)
	s.FeeBps = 250

	id := createJoined(t, s, 1000)

	commitMove(t, s, id, alice, duel.Rock, []byte("alice-secret"))
	commitMove(t, s, id, bob, duel.Scissors, []byte("bob-secret"))

	_, err := s.RevealMove(alice, id, duel.Rock, []byte("alice-secret"))
	require.NoError(t, err)
	_, err = s.RevealMove(bob, id, duel.Scissors, []byte("bob-secret"))
	require.NoError(t, err)

	winner := stats(t, s, alice)
	assert.Equal(t, int64(1950), winner.PendingBalance)
	assert.Equal(t, int64(1950), winner.TotalEarnings)

	assert.Equal(t, int64(50), stats(t, s, "treasury").PendingBalance)

	checkInvariant(t, s)
}

func TestOpenDuelsFiltersExpiredLazily(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestEngine(t)

	first, err := s.CreateDuel(alice, 1000)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	second, err := s.CreateDuel(bob, 1000)
	require.NoError(t, err)

	third, err := s.CreateDuel(carol, 1000)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)

	ids, err := s.OpenDuels(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{second.ID, third.ID}, ids, "expired listings are hidden")

	// listing doesn't sweep, so the expired duel is still Open on disk
	snap, err := s.GetDuel(first.ID)
	require.NoError(t, err)
	assert.Equal(t, duel.StatusCancelled, snap.Status, "reading it does sweep")

	ids, err = s.OpenDuels(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{second.ID}, ids)

	ids, err = s.OpenDuels(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{third.ID}, ids)

	checkInvariant(t, s)
}

func TestPlayerStatsUnknownPlayer(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	record := stats(t, s, "stranger")
	assert.Equal(t, "stranger", record.Address)
	assert.Equal(t, rating.Baseline, record.Rating)
	assert.Zero(t, record.GamesPlayed)
}

func TestGetDuelNotFound(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	_, err := s.GetDuel(42)
	assert.ErrorIs(t, err, engine.ErrDuelNotFound)
}

func TestEventsAreEmitted(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestEngine(t)

	events := make(chan engine.Event, 16)
	s.EventSink = events

	id := createJoined(t, s, 1000)

	_, err := s.QuickMove(alice, id, duel.Rock, []byte("alice-secret"))
	require.NoError(t, err)
	_, err = s.QuickMove(bob, id, duel.Scissors, []byte("bob-secret"))
	require.NoError(t, err)

	close(events)

	var types []string
	for event := range events {
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, id, event.DuelID)
		types = append(types, event.Type)
	}

	assert.Equal(t, []string{
		engine.EventDuelCreated,
		engine.EventDuelJoined,
		engine.EventMoveCommitted,
		engine.EventMoveRevealed,
		engine.EventMoveCommitted,
		engine.EventMoveRevealed,
		engine.EventDuelCompleted,
	}, types)
}
