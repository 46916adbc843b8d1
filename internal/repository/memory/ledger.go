// Package memory provides a process-local reset token ledger for single
// instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sakif/authcore/internal/repository"
)

var _ repository.ResetLedger = (*Ledger)(nil)

// Ledger is a mutex-guarded map of id to expiry. Expired entries are
// dropped lazily on Claim and in bulk by Sweep.
type Ledger struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{claims: make(map[string]time.Time), now: time.Now}
}

// NewLedgerWithClock is NewLedger with an injectable clock.
func NewLedgerWithClock(now func() time.Time) *Ledger {
	return &Ledger{claims: make(map[string]time.Time), now: now}
}

func (l *Ledger) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.claims[id]; ok && now.Before(exp) {
		return false, nil
	}
	l.claims[id] = now.Add(ttl)
	return true, nil
}

func (l *Ledger) Used(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.claims[id]
	return ok && l.now().Before(exp), nil
}

func (l *Ledger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.claims, id)
	l.mu.Unlock()
	return nil
}

// Sweep drops expired claims and returns how many it removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for id, exp := range l.claims {
		if !now.Before(exp) {
			delete(l.claims, id)
			n++
		}
	}
	return n
}

// Len is the number of claims currently held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}
