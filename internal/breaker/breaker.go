// Package breaker implements the per-target circuit breaker that governs
// restart attempts: a three-state machine (Closed/Open/HalfOpen) guarded by
// a short critical section per target, grounded on the state machine in
// the original source's process healer but restructured per the design
// note on lock ordering: callers snapshot the recovery policy under the
// config lock, release it, then take the breaker lock.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current disposition for a target.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Policy is the Regular recovery policy's parameters. There is no Policy
// for NotRegular: callers must not construct a breaker decision for a
// target whose RecoveryPolicy is NotRegular — only the Regular variant
// has a breaker; NotRegular always denies restart, independent of any
// breaker state.
type Policy struct {
	Retries     int
	RetryWindow time.Duration
	Cooldown    time.Duration
}

// Stats is the per-target breaker state, unexported fields only mutated
// under Table's mutex.
type Stats struct {
	attempts          []time.Time
	state             State
	openUntil         time.Time
	halfOpenSafeUntil time.Time
	totalAttempts     int
}

// State returns a snapshot of the current state for diagnostics (admin API).
func (s *Stats) State() State { return s.state }

// Table is the breaker state for every target, guarded by a single mutex
// held only long enough to mutate one target's Stats — short critical
// sections, not one lock per target, matching the design note's guidance.
type Table struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// NewTable constructs an empty breaker table.
func NewTable() *Table {
	return &Table{stats: make(map[string]*Stats)}
}

// Allow decides whether a restart attempt for name may proceed right now,
// mutating that target's state machine. If no Stats exist yet for
// name, the policy is allow and Stats are created on this first Closed
// evaluation — this overrides the apparent "deny when absent" behavior
// of the system this was ported from.
func (t *Table) Allow(name string, p Policy, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.stats[name]
	if !ok {
		st = &Stats{state: Closed}
		t.stats[name] = st
	}
	st.totalAttempts++

	switch st.state {
	case Closed:
		return t.allowClosed(st, p, now)
	case Open:
		return t.allowOpen(st, p, now)
	case HalfOpen:
		return t.allowHalfOpen(st, p, now)
	default:
		return false
	}
}

func (t *Table) allowClosed(st *Stats, p Policy, now time.Time) bool {
	cutoff := now.Add(-p.RetryWindow)
	kept := st.attempts[:0]
	for _, at := range st.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	st.attempts = kept

	if len(st.attempts) == p.Retries {
		st.state = Open
		st.openUntil = now.Add(p.Cooldown)
		st.attempts = nil
		return false
	}
	st.attempts = append(st.attempts, now)
	return true
}

func (t *Table) allowOpen(st *Stats, p Policy, now time.Time) bool {
	if st.openUntil.IsZero() {
		// Programming error: reinstate a fresh cooldown and deny.
		st.openUntil = now.Add(p.Cooldown)
		return false
	}
	if now.Before(st.openUntil) {
		return false
	}
	st.state = HalfOpen
	st.halfOpenSafeUntil = now.Add(2 * time.Second)
	st.attempts = nil
	return true
}

func (t *Table) allowHalfOpen(st *Stats, p Policy, now time.Time) bool {
	if st.halfOpenSafeUntil.IsZero() {
		// Programming error: fall back to Closed and allow.
		st.state = Closed
		st.attempts = nil
		return true
	}
	if now.Before(st.halfOpenSafeUntil) {
		st.state = Open
		st.openUntil = now.Add(p.Cooldown)
		return false
	}
	st.state = Closed
	st.attempts = nil
	return true
}

// Snapshot returns the current state of name for diagnostics, or Closed
// with ok=false if no stats exist yet.
func (t *Table) Snapshot(name string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.stats[name]
	if !ok {
		return Closed, false
	}
	return st.state, true
}

// AttemptCount returns the total number of restart attempts Allow has ever
// evaluated for name, win or deny, for the admin API's target detail view —
// a count, never the underlying attempt timestamps themselves.
func (t *Table) AttemptCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.stats[name]
	if !ok {
		return 0
	}
	return st.totalAttempts
}
