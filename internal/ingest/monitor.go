package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"golang.org/x/time/rate"
)

// Monitor turns transport counters and frame arrivals into anomalies:
// packet loss above threshold, bitrate collapse below a ratio of the
// baseline, and silence. Reported anomalies are rate limited per kind.
type Monitor struct {
	cfg      config.MonitorConfig
	protocol media.Protocol

	mu          sync.Mutex
	announced   float64 // bits/s from the handshake, 0 if unknown
	peak        float64 // highest observed window bitrate
	windowStart time.Time
	windowBytes uint64
	windowCount int
	lastFrame   time.Time
	lastStats   TransportStats
	limiters    map[string]*rate.Limiter
}

func NewMonitor(cfg config.MonitorConfig, protocol media.Protocol, src media.SourceInfo, now time.Time) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 10 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		protocol:    protocol,
		announced:   float64(src.Bitrate) * 1000,
		windowStart: now,
		lastFrame:   now,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Interval is how often Check should run.
func (m *Monitor) Interval() time.Duration { return m.cfg.Window }

// Observe records one received frame.
func (m *Monitor) Observe(f media.Frame, now time.Time) {
	m.mu.Lock()
	m.windowBytes += uint64(len(f.Data))
	m.windowCount++
	m.lastFrame = now
	m.mu.Unlock()
}

// Check closes the current observation window at now and returns the
// anomalies that should be reported.
func (m *Monitor) Check(now time.Time, stats TransportStats) []Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []Anomaly

	recv := stats.PacketsReceived - m.lastStats.PacketsReceived
	lost := stats.PacketsLost - m.lastStats.PacketsLost
	m.lastStats = stats
	if total := recv + lost; total > 0 && m.cfg.LossThreshold > 0 {
		if ratio := float64(lost) / float64(total); ratio > m.cfg.LossThreshold {
			found = append(found, Anomaly{
				Kind:   AnomalyPacketLoss,
				Detail: fmt.Sprintf("loss %.1f%% over %d packets", ratio*100, total),
			})
		}
	}

	if silent := now.Sub(m.lastFrame); m.cfg.SilenceTimeout > 0 && silent > m.cfg.SilenceTimeout {
		found = append(found, Anomaly{
			Kind:   AnomalySilence,
			Detail: fmt.Sprintf("no frames for %s", silent.Truncate(time.Millisecond)),
		})
	} else if elapsed := now.Sub(m.windowStart); elapsed > 0 && m.windowCount > 0 {
		bps := float64(m.windowBytes) * 8 / elapsed.Seconds()
		baseline := m.announced
		if baseline == 0 {
			baseline = m.peak
		}
		if baseline > 0 && m.cfg.BitrateCollapseRatio > 0 && bps < baseline*m.cfg.BitrateCollapseRatio {
			found = append(found, Anomaly{
				Kind:   AnomalyBitrateCollapse,
				Detail: fmt.Sprintf("bitrate %.0f kbps below %.0f%% of %.0f kbps", bps/1000, m.cfg.BitrateCollapseRatio*100, baseline/1000),
			})
		}
		if bps > m.peak {
			m.peak = bps
		}
	}
	m.windowStart = now
	m.windowBytes = 0
	m.windowCount = 0

	out := found[:0]
	for _, a := range found {
		metrics.IngestAnomaliesTotal.WithLabelValues(string(m.protocol), a.Kind).Inc()
		lim := m.limiters[a.Kind]
		if lim == nil {
			lim = rate.NewLimiter(rate.Every(m.cfg.EventInterval), 1)
			m.limiters[a.Kind] = lim
		}
		if lim.AllowN(now, 1) {
			out = append(out, a)
		}
	}
	return out
}
