// Package token defines the fungible-asset collaborator contract consumed
// by the vesting ledger. The asset ledger itself (mint, transfer and
// balance semantics) lives outside this repository; MemLedger is an
// in-process stand-in used by the bundled node and by tests.
package token

import (
	"errors"
	"math/big"
	"sync"
)

// ErrInsufficientBalance is reported when a transfer exceeds the
// sender's balance.
var ErrInsufficientBalance = errors.New("InsufficientBalance")

// Ledger is the asset-movement primitive the vesting engine consumes.
// Transfer moves tokens out of the holding account the Ledger was bound
// to; BalanceOf queries any holder's balance.
type Ledger interface {
	Transfer(to string, amount *big.Int) error
	BalanceOf(holder string) (*big.Int, error)
}

// MemLedger is an in-memory fungible-asset ledger bound to a holding
// account. Safe for concurrent use.
type MemLedger struct {
	mu       sync.Mutex
	account  string
	balances map[string]*big.Int
}

// NewMemLedger creates an empty ledger whose Transfer debits account.
func NewMemLedger(account string) *MemLedger {
	return &MemLedger{
		account:  account,
		balances: make(map[string]*big.Int),
	}
}

// Mint credits amount to holder out of thin air.
func (l *MemLedger) Mint(holder string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(holder, amount)
}

// Transfer moves amount from the bound holding account to the given holder.
func (l *MemLedger) Transfer(to string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.balance(l.account)
	if from.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	l.balances[l.account] = new(big.Int).Sub(from, amount)
	l.credit(to, amount)

	return nil
}

// BalanceOf returns the holder's balance. Unknown holders have balance zero.
func (l *MemLedger) BalanceOf(holder string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return new(big.Int).Set(l.balance(holder)), nil
}

// balance returns the stored balance without copying. Caller holds mu.
func (l *MemLedger) balance(holder string) *big.Int {
	if b, ok := l.balances[holder]; ok {
		return b
	}
	return big.NewInt(0)
}

// credit adds amount to holder. Caller holds mu.
func (l *MemLedger) credit(holder string, amount *big.Int) {
	l.balances[holder] = new(big.Int).Add(l.balance(holder), amount)
}
