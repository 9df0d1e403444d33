package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
)

// Validate checks cross-field constraints. The returned error wraps
// ErrInvalidConfig and joins every individual problem.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Ingest.QueueSize < 2 {
		add("ingest.queue_size must be >= 2, got %d", cfg.Ingest.QueueSize)
	}
	if cfg.Ingest.MaxConnections <= 0 {
		add("ingest.max_connections must be positive")
	}
	if r := cfg.Ingest.Monitor.LossThreshold; r <= 0 || r >= 1 {
		add("ingest.monitor.loss_threshold must be in (0,1), got %v", r)
	}
	if r := cfg.Ingest.Monitor.BitrateCollapseRatio; r <= 0 || r >= 1 {
		add("ingest.monitor.bitrate_collapse_ratio must be in (0,1), got %v", r)
	}
	for name, l := range map[string]ListenerConfig{"rtmp": cfg.Ingest.RTMP, "srt": cfg.Ingest.SRT, "webrtc": cfg.Ingest.WebRTC} {
		if l.Enabled && l.Addr == "" {
			add("ingest.%s.addr is required when enabled", name)
		}
	}

	if cfg.Registry.HealthTimeout <= 0 {
		add("registry.health_timeout must be positive")
	}
	if cfg.Registry.SweepInterval <= 0 || cfg.Registry.SweepInterval > cfg.Registry.HealthTimeout {
		add("registry.sweep_interval must be in (0, health_timeout]")
	}

	if !slices.Contains([]string{"ffmpeg", "passthrough"}, cfg.Transcode.Encoder) {
		add("transcode.encoder %q is not supported", cfg.Transcode.Encoder)
	}
	if cfg.Transcode.Encoder == "ffmpeg" && cfg.Transcode.FFmpegBin == "" {
		add("transcode.ffmpeg_bin is required by the ffmpeg encoder")
	}
	if cfg.Transcode.QueueSize < 2 {
		add("transcode.queue_size must be >= 2")
	}

	p := cfg.Packager
	if p.SegmentTarget <= 0 {
		add("packager.segment_target must be positive")
	}
	if p.DVRWindow < p.SegmentTarget {
		add("packager.dvr_window must be at least one segment_target")
	}
	if p.PutTimeout <= 0 {
		add("packager.put_timeout must be positive")
	}
	if p.PutRetries < 0 {
		add("packager.put_retries must not be negative")
	}
	if p.BackoffInitial <= 0 || p.BackoffMax < p.BackoffInitial {
		add("packager backoff must satisfy 0 < backoff_initial <= backoff_max")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "file", "badger":
		if cfg.Store.Path == "" && cfg.DataDir == "" {
			add("store.path is required for backend %q", cfg.Store.Backend)
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			add("store.redis_addr is required for backend redis")
		}
	default:
		add("store.backend %q is not supported", cfg.Store.Backend)
	}
	if cfg.Store.CacheBytes <= 0 {
		add("store.cache_bytes must be positive")
	}

	switch cfg.Gateway.Role {
	case "origin":
	case "edge":
		if len(cfg.Gateway.Origins) == 0 {
			add("gateway.origins is required for role edge")
		}
		for _, o := range cfg.Gateway.Origins {
			if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
				add("gateway.origins: invalid url %q", o)
			}
		}
	default:
		add("gateway.role %q is not supported", cfg.Gateway.Role)
	}

	switch cfg.Catalog.Source {
	case "file":
		if cfg.Catalog.Path == "" {
			add("catalog.path is required for source file")
		}
	case "postgres":
		if cfg.Catalog.DSN == "" {
			add("catalog.dsn is required for source postgres")
		}
	default:
		add("catalog.source %q is not supported", cfg.Catalog.Source)
	}

	switch cfg.DRM.Provider {
	case "derived":
		// An empty secret is allowed; channels with encryption enabled fail at
		// key issuance instead.
	case "http":
		if cfg.DRM.URL == "" {
			add("drm.url is required for provider http")
		}
	default:
		add("drm.provider %q is not supported", cfg.DRM.Provider)
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ExporterType != "grpc" && cfg.Telemetry.ExporterType != "http" {
			add("telemetry.exporter must be grpc or http")
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			add("telemetry.sampling_rate must be in [0,1]")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
