package duel

import "github.com/vreid/speedduel/internal/pkg/rating"

// Move is a player's choice. Zero means "not revealed yet"; the wire values
// match the original client (1=Rock, 2=Paper, 3=Scissors).
type Move uint8

const (
	MoveNone Move = iota
	Rock
	Paper
	Scissors
)

func (m Move) Valid() bool {
	return m >= Rock && m <= Scissors
}

// Beats reports whether m defeats o.
func (m Move) Beats(o Move) bool {
	return (m == Rock && o == Scissors) ||
		(m == Scissors && o == Paper) ||
		(m == Paper && o == Rock)
}

func (m Move) String() string {
	switch m {
	case Rock:
		return "rock"
	case Paper:
		return "paper"
	case Scissors:
		return "scissors"
	default:
		return "none"
	}
}

type Status uint8

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusRevealing
	StatusCompleted
	StatusCancelled
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusInProgress:
		return "in_progress"
	case StatusRevealing:
		return "revealing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Duel is the full per-duel record as persisted. Commitments are hex sha256
// digests; moves stay zero until revealed. Terminal duels are retained as
// immutable records.
type Duel struct {
	ID       uint64 `json:"id"`
	Creator  string `json:"creator"`
	Opponent string `json:"opponent,omitempty"`
	Stake    int64  `json:"stake"`
	Status   Status `json:"status"`

	CreatorCommit  string `json:"creator_commit,omitempty"`
	OpponentCommit string `json:"opponent_commit,omitempty"`
	CreatorMove    Move   `json:"creator_move,omitempty"`
	OpponentMove   Move   `json:"opponent_move,omitempty"`

	Winner string `json:"winner,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Snapshot is the caller-facing view of a duel. Revealed moves and the
// winner are redacted until the duel is terminal so an early reveal leaks
// nothing to the opponent.
type Snapshot struct {
	ID       uint64 `json:"id"`
	Creator  string `json:"creator"`
	Opponent string `json:"opponent,omitempty"`
	Stake    int64  `json:"stake"`

	Status     Status `json:"status"`
	StatusName string `json:"status_name"`

	CreatorCommitted  bool `json:"creator_committed"`
	OpponentCommitted bool `json:"opponent_committed"`

	CreatorMove  Move   `json:"creator_move,omitempty"`
	OpponentMove Move   `json:"opponent_move,omitempty"`
	Winner       string `json:"winner,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

func (d *Duel) Snapshot() Snapshot {
	s := Snapshot{
		ID:                d.ID,
		Creator:           d.Creator,
		Opponent:          d.Opponent,
		Stake:             d.Stake,
		Status:            d.Status,
		StatusName:        d.Status.String(),
		CreatorCommitted:  d.CreatorCommit != "",
		OpponentCommitted: d.OpponentCommit != "",
		CreatedAt:         d.CreatedAt,
		ExpiresAt:         d.ExpiresAt,
	}

	if d.Status.Terminal() {
		s.CreatorMove = d.CreatorMove
		s.OpponentMove = d.OpponentMove
		s.Winner = d.Winner
	}

	return s
}

// PlayerRecord tracks one player's career stats and withdrawable funds.
// Created lazily on first interaction, never destroyed.
type PlayerRecord struct {
	Address     string `json:"address"`
	Wins        int64  `json:"wins"`
	Losses      int64  `json:"losses"`
	Draws       int64  `json:"draws"`
	GamesPlayed int64  `json:"games_played"`
	Rating      int    `json:"rating"`

	TotalEarnings  int64 `json:"total_earnings"`
	PendingBalance int64 `json:"pending_balance"`
}

func NewPlayerRecord(address string) *PlayerRecord {
	return &PlayerRecord{
		Address: address,
		Rating:  rating.Baseline,
	}
}
