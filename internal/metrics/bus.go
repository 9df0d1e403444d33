// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_bus_published_total",
		Help: "Total number of events published on the in-memory bus",
	}, []string{"type"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_bus_dropped_total",
		Help: "Total number of in-memory bus event drops by type and reason",
	}, []string{"type", "reason"})

	EventSinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_event_sink_errors_total",
		Help: "Total number of events an external sink failed to accept",
	}, []string{"sink"})
)

// IncBusDropReason records a dropped bus event with a concrete reason.
func IncBusDropReason(eventType, reason string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(eventType, reason).Inc()
}
