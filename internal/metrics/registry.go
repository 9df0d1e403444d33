package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_sessions_active",
		Help: "Registered ingest sessions by role (primary, backup)",
	}, []string{"role"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_session_transitions_total",
		Help: "Per-key state transitions",
	}, []string{"from", "to"})

	SessionTerminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_session_terminations_total",
		Help: "Session terminations by reason code",
	}, []string{"reason"})

	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_failovers_total",
		Help: "Backup promotions by trigger (health_timeout, disconnect, operator)",
	}, []string{"trigger"})
)
