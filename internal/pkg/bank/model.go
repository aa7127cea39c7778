package bank

import "errors"

// Bank is the external asset-transfer boundary. The engine only does
// escrow bookkeeping; actually moving value belongs to whatever settles
// funds for the deployment.
type Bank interface {
	// Debit takes amount from the player's external balance. Called as the
	// commit point of a stake lock.
	Debit(player string, amount int64) error

	// Credit pushes a withdrawn amount back to the player.
	Credit(player string, amount int64) error
}

var ErrInsufficientFunds = errors.New("insufficient funds")
