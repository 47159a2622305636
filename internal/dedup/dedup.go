// Package dedup tracks when each rule last fired so a rule is not re-executed
// inside its debounce window. State is memory-only and rebuilt from the
// execution log on start.
package dedup

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripwire/internal/domain"
)

// Tracker maps rule IDs to their last fired time. Safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{last: make(map[uuid.UUID]time.Time)}
}

// TryAcquire records now as the rule's fire time and returns true, unless the
// rule already fired less than minInterval before now, in which case it
// returns false and leaves the state unchanged. Check and set are atomic.
func (t *Tracker) TryAcquire(ruleID uuid.UUID, minInterval time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[ruleID]; ok && now.Sub(last) < minInterval {
		return false
	}
	t.last[ruleID] = now
	return true
}

// LastFired returns the recorded fire time for a rule.
func (t *Tracker) LastFired(ruleID uuid.UUID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[ruleID]
	return at, ok
}

// Seed records at for the rule unless a later time is already known.
func (t *Tracker) Seed(ruleID uuid.UUID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.last[ruleID]; ok && !at.After(cur) {
		return
	}
	t.last[ruleID] = at
}

// Rebuild seeds the tracker from execution log entries.
// Failed sequences count too: the fire time is recorded before dispatch.
func (t *Tracker) Rebuild(entries []domain.ExecutionLogEntry) int {
	seeded := make(map[uuid.UUID]struct{})
	for _, e := range entries {
		t.Seed(e.RuleID, e.CreatedAt)
		seeded[e.RuleID] = struct{}{}
	}
	return len(seeded)
}

// Forget drops the rule's state, e.g. after it is deleted.
func (t *Tracker) Forget(ruleID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, ruleID)
}

// Len returns the number of tracked rules.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
