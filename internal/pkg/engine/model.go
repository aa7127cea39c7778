package engine

// Event is a notification emitted after a successful engine transaction.
// Event ordering follows commit order; consumers poll the feed, the engine
// never pushes to callers.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	DuelID uint64 `json:"duel_id,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Amount int64  `json:"amount,omitempty"`
	At     int64  `json:"at"`
}

const (
	EventDuelCreated   = "duel_created"
	EventDuelJoined    = "duel_joined"
	EventMoveCommitted = "move_committed"
	EventMoveRevealed  = "move_revealed"
	EventDuelCompleted = "duel_completed"
	EventDuelCancelled = "duel_cancelled"
)

// pendingEvent is an event recorded inside a transaction, published only
// once the transaction commits.
type pendingEvent struct {
	typ    string
	duelID uint64
	actor  string
	amount int64
}

type createDuelRequest struct {
	Stake int64 `json:"stake"`
}

type joinDuelRequest struct {
	Stake int64 `json:"stake"`
}

type commitMoveRequest struct {
	Digest string `json:"digest"`
}

type revealMoveRequest struct {
	Move   uint8  `json:"move"`
	Secret string `json:"secret"`
}

type withdrawResponse struct {
	Amount int64 `json:"amount"`
}

type openDuelsResponse struct {
	Duels []uint64 `json:"duels"`
}
