package account

import (
	"context"
	"math/big"
	"sync"

	xerrors "NUMA-Market/internal/errors"
)

// Account is an agent wallet. Balance changes only through Debit and Credit,
// and a debit is a single check-and-subtract under the wallet mutex.
type Account struct {
	id string

	mu      sync.Mutex
	balance *big.Int

	// settle serialises settlements of this account.
	settle chan struct{}
}

// NewAccount creates a wallet holding initial (nil means zero).
func NewAccount(id string, initial *big.Int) *Account {
	balance := new(big.Int)
	if initial != nil && initial.Sign() > 0 {
		balance.Set(initial)
	}
	return &Account{id: id, balance: balance, settle: make(chan struct{}, 1)}
}

// ID returns the owning agent id.
func (a *Account) ID() string { return a.id }

// Debit subtracts amount when the balance covers it. It reports false and
// leaves the balance untouched otherwise.
func (a *Account) Debit(amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance.Cmp(amount) < 0 {
		return false
	}
	a.balance.Sub(a.balance, amount)
	return true
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "credit amount must be a non-negative integer")
	}
	a.mu.Lock()
	a.balance.Add(a.balance, amount)
	a.mu.Unlock()
	return nil
}

// Balance returns a copy of the current balance.
func (a *Account) Balance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balance)
}

// Covers reports whether the balance is at least amount.
func (a *Account) Covers(amount *big.Int) bool {
	if amount == nil {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance.Cmp(amount) >= 0
}

// Acquire takes the settlement lock, giving up when ctx is done.
func (a *Account) Acquire(ctx context.Context) error {
	select {
	case a.settle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "wait for settlement lock of agent "+a.id)
	}
}

// Release frees the settlement lock taken by Acquire.
func (a *Account) Release() {
	select {
	case <-a.settle:
	default:
	}
}
