package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_http_requests_total",
		Help: "HTTP requests by surface, route and status class",
	}, []string{"surface", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xglive_http_request_duration_seconds",
		Help:    "HTTP request latency by surface and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"surface", "route"})

	UpstreamFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_upstream_fetch_total",
		Help: "Edge fetches from origins by result (ok, error, breaker_open, not_found)",
	}, []string{"origin", "result"})
)

var (
	EdgeCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xglive_edge_coalesced_total",
		Help: "Edge requests served by another caller's in-flight origin fetch",
	})

	EdgeCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_edge_segment_cache_total",
		Help: "Edge segment lookups by result (hit, miss)",
	}, []string{"result"})

	SegmentsServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_segments_served_total",
		Help: "Segment requests by outcome (ok, not_found, unavailable)",
	}, []string{"role", "outcome"})
)
