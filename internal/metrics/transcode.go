package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TranscodeFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_transcode_frames_total",
		Help: "Frames emitted per rendition",
	}, []string{"rendition"})

	TranscodeDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_transcode_dropped_total",
		Help: "Non-essential frames dropped because a rendition queue was full",
	}, []string{"rendition"})

	TranscodeEncodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_transcode_encode_errors_total",
		Help: "Encoder failures per rendition",
	}, []string{"rendition"})

	TranscodeProcessesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_transcode_processes_total",
		Help: "Live encoder processes started per rendition",
	}, []string{"rendition"})

	RenditionDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xglive_rendition_degraded",
		Help: "1 while a rendition is degraded and excluded from manifests",
	}, []string{"channel", "rendition"})

	ThumbnailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_thumbnails_total",
		Help: "Thumbnail samples by result (taken, dropped)",
	}, []string{"result"})
)
