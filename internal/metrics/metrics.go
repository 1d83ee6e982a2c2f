// Package metrics exposes Prometheus collectors for the supervision
// engine: CounterVec/GaugeVec construction, idempotent Register via an
// atomic.Bool guard, and no-op helpers before Register is called.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "restart",
			Name:      "attempts_total",
			Help:      "Restart attempts allowed by the circuit breaker, by target and outcome.",
		}, []string{"name", "outcome"},
	)
	breakerDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "breaker",
			Name:      "denials_total",
			Help:      "Restart requests denied by the circuit breaker.",
		}, []string{"name"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current breaker state per target (0=closed, 1=open, 2=half_open).",
		}, []string{"name"},
	)
	deferredTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "coordinator",
			Name:      "deferred_targets",
			Help:      "Number of targets currently held in the dependency coordinator's deferred table.",
		},
	)
	busLagTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "eventbus",
			Name:      "lagged_total",
			Help:      "Number of times a bus subscriber observed a lagged-by-N signal.",
		}, []string{"bus"},
	)
	reapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "reaper",
			Name:      "reaped_children_total",
			Help:      "Number of child processes harvested by the zombie reaper.",
		},
	)
)

// Register installs all collectors into r. It is idempotent: a second call
// with the same registry is a no-op, following the pattern of
// tolerating prometheus.AlreadyRegisteredError.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		restartsTotal, breakerDenialsTotal, breakerState,
		deferredTargets, busLagTotal, reapedTotal,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the Prometheus exposition format for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncRestartAttempted(name string) {
	if regOK.Load() {
		restartsTotal.WithLabelValues(name, "attempted").Inc()
	}
}

func IncRestartSpawned(name string) {
	if regOK.Load() {
		restartsTotal.WithLabelValues(name, "spawned").Inc()
	}
}

func IncRestartSpawnFailed(name string) {
	if regOK.Load() {
		restartsTotal.WithLabelValues(name, "spawn_failed").Inc()
	}
}

func IncBreakerDenial(name string) {
	if regOK.Load() {
		breakerDenialsTotal.WithLabelValues(name).Inc()
	}
}

// SetBreakerState takes stateValue in breaker.State's ordering (0=closed,
// 1=open, 2=half_open) without importing the breaker package, keeping
// metrics dependency-free of the engine packages.
func SetBreakerState(name string, stateValue float64) {
	if regOK.Load() {
		breakerState.WithLabelValues(name).Set(stateValue)
	}
}

func SetDeferredTargets(n int) {
	if regOK.Load() {
		deferredTargets.Set(float64(n))
	}
}

func IncBusLagged(bus string) {
	if regOK.Load() {
		busLagTotal.WithLabelValues(bus).Inc()
	}
}

func IncReaped() {
	if regOK.Load() {
		reapedTotal.Inc()
	}
}
