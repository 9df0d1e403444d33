package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelinesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_pipelines_active",
		Help: "Session pipelines by delivery state (live, standby)",
	}, []string{"state"})

	FailoverReplayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_failover_replayed_total",
		Help: "Retained standby elements replayed into the packager on promotion",
	}, []string{"rendition"})

	PipelineDrainTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xglive_pipeline_drain_timeouts_total",
		Help: "Session pipelines aborted because draining exceeded the drain timeout",
	})
)
