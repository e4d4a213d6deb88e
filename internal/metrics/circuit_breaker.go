// Package metrics provides Prometheus instrumentation for the mediator,
// poller, importer, and BBB client (spec.md §4.10 / SPEC_FULL.md C10).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbblb_circuit_breaker_state",
		Help: "Circuit breaker state by backend server (closed=1, half-open=1, open=1; others 0)",
	}, []string{"server", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state), by backend server",
	}, []string{"server", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

func SetCircuitBreakerState(server, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(server, s).Set(value)
	}
}

func RecordCircuitBreakerTrip(server, reason string) {
	circuitBreakerTrips.WithLabelValues(server, reason).Inc()
}
