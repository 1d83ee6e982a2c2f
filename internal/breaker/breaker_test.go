package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowFirstTimeIsAllow(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 3, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	require.True(t, tab.Allow("svc", p, time.Now()))
}

func TestTripsAfterRetriesAttempts(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 3, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	now := time.Now()

	require.True(t, tab.Allow("svc", p, now))
	require.True(t, tab.Allow("svc", p, now.Add(1*time.Second)))
	require.True(t, tab.Allow("svc", p, now.Add(2*time.Second)))
	// Fourth attempt: 3 prior attempts recorded equals Retries -> trip.
	require.False(t, tab.Allow("svc", p, now.Add(3*time.Second)))

	state, ok := tab.Snapshot("svc")
	require.True(t, ok)
	require.Equal(t, Open, state)
}

func TestDeniedThroughoutCooldown(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 1, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	now := time.Now()

	require.True(t, tab.Allow("svc", p, now))
	require.False(t, tab.Allow("svc", p, now.Add(1*time.Second))) // trips open

	require.False(t, tab.Allow("svc", p, now.Add(4*time.Second)))
	require.False(t, tab.Allow("svc", p, now.Add(4900*time.Millisecond)))
}

func TestHalfOpenProbeSucceeds(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 1, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	now := time.Now()

	require.True(t, tab.Allow("svc", p, now))
	require.False(t, tab.Allow("svc", p, now.Add(1*time.Second))) // trips open at t=1s, openUntil=6s

	// cooldown elapsed -> transitions to HalfOpen and allows the probe
	require.True(t, tab.Allow("svc", p, now.Add(7*time.Second)))
	state, _ := tab.Snapshot("svc")
	require.Equal(t, HalfOpen, state)

	// past the 2s safe window with no further failures -> Closed
	require.True(t, tab.Allow("svc", p, now.Add(10*time.Second)))
	state, _ = tab.Snapshot("svc")
	require.Equal(t, Closed, state)
}

func TestAttemptCountAccumulatesAcrossStateTransitions(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 1, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	now := time.Now()

	require.Equal(t, 0, tab.AttemptCount("svc"))

	require.True(t, tab.Allow("svc", p, now))
	require.False(t, tab.Allow("svc", p, now.Add(1*time.Second))) // trips open
	require.False(t, tab.Allow("svc", p, now.Add(2*time.Second))) // denied while open

	require.Equal(t, 3, tab.AttemptCount("svc"))
}

func TestAttemptCountUnknownTargetIsZero(t *testing.T) {
	tab := NewTable()
	require.Equal(t, 0, tab.AttemptCount("ghost"))
}

func TestHalfOpenFailsFastBackToOpen(t *testing.T) {
	tab := NewTable()
	p := Policy{Retries: 1, RetryWindow: 10 * time.Second, Cooldown: 5 * time.Second}
	now := time.Now()

	require.True(t, tab.Allow("svc", p, now))
	require.False(t, tab.Allow("svc", p, now.Add(1*time.Second)))
	require.True(t, tab.Allow("svc", p, now.Add(7*time.Second))) // -> HalfOpen, safe_until=9s

	// a failure evaluation arrives inside the 2s trial window
	require.False(t, tab.Allow("svc", p, now.Add(8*time.Second)))
	state, _ := tab.Snapshot("svc")
	require.Equal(t, Open, state)
}
