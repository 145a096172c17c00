package runtime

import (
	"sync"
	"time"
)

// breakerTable holds one circuit breaker per error kind. A breaker opens
// after BreakerFailureThreshold consecutive failures and reports half-open
// once BreakerCooldown has elapsed since the last recorded failure. There is
// no automatic transition back to closed: a failure while half-open re-opens
// the breaker, and only Reset closes it again.
type breakerTable struct {
	mu        sync.Mutex
	breakers  map[string]*breakerEntry
	threshold int
	cooldown  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type breakerEntry struct {
	failureCount int
	lastFailure  time.Time
	state        BreakerState
}

func newBreakerTable(threshold int, cooldown time.Duration) *breakerTable {
	return &breakerTable{
		breakers:  make(map[string]*breakerEntry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// RecordFailure counts one failure against kind and returns the resulting
// breaker state.
func (t *breakerTable) RecordFailure(kind string) BreakerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.breakers[kind]
	if !ok {
		entry = &breakerEntry{state: BreakerClosed}
		t.breakers[kind] = entry
	}

	entry.failureCount++
	entry.lastFailure = t.now()

	switch entry.state {
	case BreakerHalfOpen:
		entry.state = BreakerOpen
	case BreakerClosed:
		if entry.failureCount >= t.threshold {
			entry.state = BreakerOpen
		}
	}
	return entry.state
}

// IsOpen reports whether the breaker for kind currently blocks recovery.
// An open breaker whose cooldown has elapsed moves to half-open, which is
// treated as not open so one more attempt can go through.
func (t *breakerTable) IsOpen(kind string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.breakers[kind]
	if !ok {
		return false
	}
	if entry.state == BreakerOpen && t.now().Sub(entry.lastFailure) >= t.cooldown {
		entry.state = BreakerHalfOpen
	}
	return entry.state == BreakerOpen
}

// Reset forces the breaker for kind back to closed with a zeroed counter.
func (t *breakerTable) Reset(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.breakers[kind]; ok {
		entry.failureCount = 0
		entry.lastFailure = time.Time{}
		entry.state = BreakerClosed
	}
}

// State returns a copy of the breaker record for kind, resolving a lapsed
// open state to half-open first.
func (t *breakerTable) State(kind string) (CircuitBreakerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.breakers[kind]
	if !ok {
		return CircuitBreakerState{}, false
	}
	if entry.state == BreakerOpen && t.now().Sub(entry.lastFailure) >= t.cooldown {
		entry.state = BreakerHalfOpen
	}
	return CircuitBreakerState{
		FailureCount:    entry.failureCount,
		LastFailureTime: entry.lastFailure,
		State:           entry.state,
	}, true
}

// Snapshot copies every breaker record keyed by error kind.
func (t *breakerTable) Snapshot() map[string]CircuitBreakerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]CircuitBreakerState, len(t.breakers))
	for kind, entry := range t.breakers {
		state := entry.state
		if state == BreakerOpen && t.now().Sub(entry.lastFailure) >= t.cooldown {
			entry.state = BreakerHalfOpen
			state = BreakerHalfOpen
		}
		out[kind] = CircuitBreakerState{
			FailureCount:    entry.failureCount,
			LastFailureTime: entry.lastFailure,
			State:           state,
		}
	}
	return out
}
