package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestAcceptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_ingest_accept_total",
		Help: "Publish attempts by protocol and result (accepted, auth_failed, key_in_use, protocol_violation, error)",
	}, []string{"protocol", "result"})

	IngestFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_ingest_frames_total",
		Help: "Frames received from publishers by protocol and frame type",
	}, []string{"protocol", "type"})

	IngestFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_ingest_frames_dropped_total",
		Help: "Frames dropped by the ingest queue under overload",
	}, []string{"protocol"})

	IngestQueueBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_ingest_queue_blocked_total",
		Help: "Times a publisher was throttled because nothing in the queue was droppable",
	}, []string{"protocol"})

	IngestAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_ingest_anomalies_total",
		Help: "Transport anomalies detected by kind (packet_loss, bitrate_collapse, silence)",
	}, []string{"protocol", "kind"})

	IngestConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_ingest_connections",
		Help: "Open publisher connections by protocol",
	}, []string{"protocol"})
)
