package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsSealedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_segments_sealed_total",
		Help: "Segments sealed and advertised",
	}, []string{"rendition"})

	SegmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xglive_segment_duration_seconds",
		Help:    "Duration of sealed segments",
		Buckets: []float64{0.5, 1, 2, 3, 4, 6, 8, 10},
	}, []string{"rendition"})

	SegmentPutRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_segment_put_retries_total",
		Help: "Retried segment writes",
	}, []string{"rendition"})

	PackagingPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_packaging_paused",
		Help: "1 while a rendition's packaging is paused on store failure",
	}, []string{"rendition"})

	DiscontinuitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_discontinuities_total",
		Help: "Discontinuity markers written by cause (failover, degraded, store)",
	}, []string{"cause"})
)
