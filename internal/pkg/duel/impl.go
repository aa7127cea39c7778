package duel

import (
	"errors"

	"github.com/vreid/speedduel/internal/pkg/commitment"
)

var (
	ErrNotOpen            = errors.New("duel is not open")
	ErrSelfJoin           = errors.New("cannot join own duel")
	ErrStakeMismatch      = errors.New("stake does not match the creator's stake")
	ErrNotParticipant     = errors.New("caller is not a participant")
	ErrWrongPhase         = errors.New("operation not valid in current duel phase")
	ErrAlreadyCommitted   = errors.New("move already committed")
	ErrNotCommitted       = errors.New("no commitment to reveal against")
	ErrAlreadyRevealed    = errors.New("move already revealed")
	ErrInvalidMove        = errors.New("move must be rock, paper or scissors")
	ErrCommitmentMismatch = errors.New("reveal does not match commitment")
)

// New creates an Open duel with the creator's stake already escrowed by the
// caller.
func New(id uint64, creator string, stake int64, createdAt, expiresAt int64) *Duel {
	return &Duel{
		ID:        id,
		Creator:   creator,
		Stake:     stake,
		Status:    StatusOpen,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
}

func (d *Duel) IsParticipant(player string) bool {
	return player == d.Creator || (d.Opponent != "" && player == d.Opponent)
}

// Other returns the counterparty of a participant.
func (d *Duel) Other(player string) string {
	if player == d.Creator {
		return d.Opponent
	}

	return d.Creator
}

func (d *Duel) HasCommitted(player string) bool {
	return d.commitOf(player) != ""
}

func (d *Duel) HasRevealed(player string) bool {
	return d.moveOf(player) != MoveNone
}

func (d *Duel) BothRevealed() bool {
	return d.CreatorMove != MoveNone && d.OpponentMove != MoveNone
}

// Join fills the opponent slot and starts the duel. The stake must equal
// the creator's; the new phase gets a fresh expiry window.
func (d *Duel) Join(opponent string, stake int64, expiresAt int64) error {
	if d.Status != StatusOpen {
		return ErrNotOpen
	}

	if opponent == d.Creator {
		return ErrSelfJoin
	}

	if stake != d.Stake {
		return ErrStakeMismatch
	}

	d.Opponent = opponent
	d.Status = StatusInProgress
	d.ExpiresAt = expiresAt

	return nil
}

// Commit stores a participant's move digest, exactly once. When both
// commitments are present the duel enters Revealing with a fresh expiry
// window.
func (d *Duel) Commit(player, digest string, expiresAt int64) error {
	if !d.IsParticipant(player) {
		return ErrNotParticipant
	}

	if d.Status != StatusInProgress {
		return ErrWrongPhase
	}

	if d.HasCommitted(player) {
		return ErrAlreadyCommitted
	}

	d.setCommit(player, digest)

	if d.CreatorCommit != "" && d.OpponentCommit != "" {
		d.Status = StatusRevealing
		d.ExpiresAt = expiresAt
	}

	return nil
}

// Reveal verifies (move, secret) against the player's stored commitment and
// records the move. A participant may reveal as soon as their own
// commitment exists, even while the opponent's commitment is still pending.
// A failed verification leaves the duel untouched so the player can retry
// with correct values within the phase window.
func (d *Duel) Reveal(player string, move Move, secret []byte) error {
	if !d.IsParticipant(player) {
		return ErrNotParticipant
	}

	if d.Status != StatusInProgress && d.Status != StatusRevealing {
		return ErrWrongPhase
	}

	if !move.Valid() {
		return ErrInvalidMove
	}

	digest := d.commitOf(player)
	if digest == "" {
		return ErrNotCommitted
	}

	if d.HasRevealed(player) {
		return ErrAlreadyRevealed
	}

	if !commitment.Verify(d.ID, player, uint8(move), secret, digest) {
		return ErrCommitmentMismatch
	}

	d.setMove(player, move)

	return nil
}

// Outcome compares the two revealed moves. The empty winner with draw=true
// means equal moves. Only meaningful once BothRevealed holds.
func (d *Duel) Outcome() (winner string, draw bool) {
	switch {
	case d.CreatorMove.Beats(d.OpponentMove):
		return d.Creator, false
	case d.OpponentMove.Beats(d.CreatorMove):
		return d.Opponent, false
	default:
		return "", true
	}
}

func (d *Duel) commitOf(player string) string {
	if player == d.Creator {
		return d.CreatorCommit
	}

	return d.OpponentCommit
}

func (d *Duel) setCommit(player, digest string) {
	if player == d.Creator {
		d.CreatorCommit = digest
	} else {
		d.OpponentCommit = digest
	}
}

func (d *Duel) moveOf(player string) Move {
	if player == d.Creator {
		return d.CreatorMove
	}

	return d.OpponentMove
}

func (d *Duel) setMove(player string, move Move) {
	if player == d.Creator {
		d.CreatorMove = move
	} else {
		d.OpponentMove = move
	}
}
