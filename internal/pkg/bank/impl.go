package bank

import (
	"fmt"
	"sync"

	"github.com/samber/do/v2"
)

// MemoryBank is the in-process Bank used by the default wiring and tests.
// Accounts are seeded with an opening balance on first touch.
type MemoryBank struct {
	mu       sync.Mutex
	opening  int64
	balances map[string]int64
}

func NewMemoryBank(i do.Injector) (*MemoryBank, error) {
	opening := do.MustInvokeNamed[int64](i, "opening-balance")

	return NewMemoryBankWith(opening), nil
}

func NewMemoryBankWith(opening int64) *MemoryBank {
	return &MemoryBank{
		opening:  opening,
		balances: make(map[string]int64),
	}
}

func (b *MemoryBank) Debit(player string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.balance(player)
	if balance < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, balance, amount)
	}

	b.balances[player] = balance - amount

	return nil
}

func (b *MemoryBank) Credit(player string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances[player] = b.balance(player) + amount

	return nil
}

// Balance reports a player's external balance.
func (b *MemoryBank) Balance(player string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.balance(player)
}

func (b *MemoryBank) balance(player string) int64 {
	balance, ok := b.balances[player]
	if !ok {
		balance = b.opening
		b.balances[player] = balance
	}

	return balance
}
