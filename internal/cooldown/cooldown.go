// Package cooldown tracks the earliest next-eligible time per account. The
// ledger is in-process only; it starts empty after a restart, which at worst
// lets each account act once early.
package cooldown

import (
	"sync"
	"time"
)

const (
	// staleAfter is how long an entry may sit untouched before eviction.
	staleAfter = 24 * time.Hour
	// sweepAbove is the entry count past which a sweep runs on access.
	sweepAbove = 1000
)

// Ledger is the shared cooldown map. The critical section covers only the
// read/compare/write of the map; callers sleep outside it.
type Ledger struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		next: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire reserves the account for an action. If the account is still
// cooling down it returns the remaining wait and reserves nothing, so two
// callers inside the window never both see zero. On a zero return the
// account's next-eligible time has been advanced by cooldown and the caller
// must proceed with the action.
func (l *Ledger) Acquire(accountID string, cooldown time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.next[accountID]; ok && now.Before(until) {
		return until.Sub(now)
	}

	l.next[accountID] = now.Add(cooldown)
	if len(l.next) > sweepAbove {
		l.sweepLocked(now)
	}
	return 0
}

// Remaining reports the current wait without reserving.
func (l *Ledger) Remaining(accountID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.next[accountID]
	if !ok {
		return 0
	}
	if d := until.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

func (l *Ledger) sweepLocked(now time.Time) {
	for id, until := range l.next {
		if now.Sub(until) > staleAfter {
			delete(l.next, id)
		}
	}
}
