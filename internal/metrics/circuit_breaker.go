package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_breaker_state",
		Help: "Breaker state per guarded dependency (1 for the current state)",
	}, []string{"breaker", "state"})

	breakerOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_breaker_opened_total",
		Help: "Breaker transitions to open, by trigger",
	}, []string{"breaker", "trigger"})

	breakerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_breaker_rejected_total",
		Help: "Calls short-circuited by an open breaker",
	}, []string{"breaker"})
)

// SetCircuitBreakerState marks state as the current state of a breaker.
func SetCircuitBreakerState(breaker, state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		breakerState.WithLabelValues(breaker, s).Set(v)
	}
}

func RecordCircuitBreakerTrip(breaker, trigger string) {
	breakerOpenedTotal.WithLabelValues(breaker, trigger).Inc()
}

func RecordCircuitBreakerRejection(breaker string) {
	breakerRejectedTotal.WithLabelValues(breaker).Inc()
}
