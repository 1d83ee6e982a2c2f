package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// TestRegisterWithDefaultRegisterer mirrors the daemon's actual startup call
// (cmd/healerd/main.go registers against prometheus.DefaultRegisterer, the
// same gatherer metrics.Handler() exposes) and guards against a regression
// back to a nil Registerer, which would panic on the very first collector.
func TestRegisterWithDefaultRegisterer(t *testing.T) {
	require.NotPanics(t, func() {
		require.NoError(t, Register(prometheus.DefaultRegisterer))
		require.NoError(t, Register(prometheus.DefaultRegisterer))
	})

	IncRestartAttempted("svc")
	IncRestartSpawned("svc")
	IncBreakerDenial("svc")
	SetBreakerState("svc", 1)
	SetDeferredTargets(2)
	IncBusLagged("monitor_to_coordinator")
	IncReaped()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"healer_restart_attempts_total",
		"healer_breaker_denials_total",
		"healer_breaker_state",
		"healer_coordinator_deferred_targets",
		"healer_eventbus_lagged_total",
		"healer_reaper_reaped_children_total",
	} {
		require.True(t, names[want], "missing metric %s", want)
	}
}
