package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type account struct {
	available int64
	locked    int64
}

// hold is the part of an account's locked funds placed under one reference.
type hold struct {
	account   string
	remaining int64
}

// Ledger is an in-process balance ledger. Locked funds are tracked per hold
// reference; Release and Transfer draw only from the hold they name.
// Repeating a mutation with a reference it has already applied is a no-op.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	holds    map[string]*hold
	applied  map[string]bool
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		holds:    make(map[string]*hold),
		applied:  make(map[string]bool),
	}
}

func (l *Ledger) acct(id string) *account {
	a, ok := l.accounts[id]
	if !ok {
		a = &account{}
		l.accounts[id] = a
	}
	return a
}

// Deposit credits available funds.
func (l *Ledger) Deposit(accountID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(accountID).available += amount
}

// Balances returns the available and locked amounts of an account.
func (l *Ledger) Balances(accountID string) (available, locked int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(accountID)
	return a.available, a.locked
}

func (l *Ledger) GetBalance(_ context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acct(accountID).available, nil
}

func (l *Ledger) Lock(_ context.Context, accountID string, amount int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "lock:" + ref
	if l.applied[key] {
		return nil
	}
	a := l.acct(accountID)
	if a.available < amount {
		return fmt.Errorf("ledger: lock %d on %s: %w", amount, accountID, domain.ErrInsufficientFunds)
	}
	a.available -= amount
	a.locked += amount
	l.holds[ref] = &hold{account: accountID, remaining: amount}
	l.applied[key] = true
	return nil
}

// Release returns funds of hold ref to the account. A reference that never
// locked anything is a no-op.
func (l *Ledger) Release(_ context.Context, accountID string, amount int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "release:" + ref
	if l.applied[key] {
		return nil
	}
	h, ok := l.holds[ref]
	if !ok {
		return nil
	}
	if err := h.draw(accountID, amount, ref); err != nil {
		return fmt.Errorf("ledger: release %d on %s: %w", amount, accountID, err)
	}
	a := l.acct(accountID)
	a.locked -= amount
	a.available += amount
	l.applied[key] = true
	return nil
}

func (l *Ledger) Transfer(_ context.Context, from, to string, amount int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "transfer:" + ref
	if l.applied[key] {
		return nil
	}
	h, ok := l.holds[ref]
	if !ok {
		return fmt.Errorf("ledger: transfer %d from %s: no hold %s", amount, from, ref)
	}
	if err := h.draw(from, amount, ref); err != nil {
		return fmt.Errorf("ledger: transfer %d from %s: %w", amount, from, err)
	}
	l.acct(from).locked -= amount
	l.acct(to).available += amount
	l.applied[key] = true
	return nil
}

func (h *hold) draw(accountID string, amount int64, ref string) error {
	if h.account != accountID {
		return fmt.Errorf("hold %s belongs to %s", ref, h.account)
	}
	if h.remaining < amount {
		return fmt.Errorf("hold %s has only %d locked", ref, h.remaining)
	}
	h.remaining -= amount
	return nil
}

var _ domain.BalanceLedger = (*Ledger)(nil)
