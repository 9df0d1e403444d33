// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration.
// Precedence is ENV > YAML file > defaults.
package config

import "time"

// AppConfig is the complete runtime configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Ingest    IngestConfig    `yaml:"ingest"`
	Registry  RegistryConfig  `yaml:"registry"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Packager  PackagerConfig  `yaml:"packager"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	API       APIConfig       `yaml:"api"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	DRM       DRMConfig       `yaml:"drm"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ListenerConfig configures one ingest protocol listener.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MonitorConfig tunes transport anomaly detection.
type MonitorConfig struct {
	LossThreshold        float64       `yaml:"loss_threshold"`
	BitrateCollapseRatio float64       `yaml:"bitrate_collapse_ratio"`
	SilenceTimeout       time.Duration `yaml:"silence_timeout"`
	Window               time.Duration `yaml:"window"`
	EventInterval        time.Duration `yaml:"event_interval"`
}

type IngestConfig struct {
	RTMP           ListenerConfig `yaml:"rtmp"`
	SRT            ListenerConfig `yaml:"srt"`
	WebRTC         ListenerConfig `yaml:"webrtc"`
	MaxConnections int            `yaml:"max_connections"`
	QueueSize      int            `yaml:"queue_size"`
	Monitor        MonitorConfig  `yaml:"monitor"`
}

type RegistryConfig struct {
	HealthTimeout time.Duration `yaml:"health_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	JournalPath   string        `yaml:"journal_path"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type TranscodeConfig struct {
	Encoder           string        `yaml:"encoder"`
	QueueSize         int           `yaml:"queue_size"`
	ThumbnailInterval time.Duration `yaml:"thumbnail_interval"`
	FFmpegBin         string        `yaml:"ffmpeg_bin"`
	FFprobeBin        string        `yaml:"ffprobe_bin"`
}

type PackagerConfig struct {
	SegmentTarget           time.Duration `yaml:"segment_target"`
	DVRWindow               time.Duration `yaml:"dvr_window"`
	PutTimeout              time.Duration `yaml:"put_timeout"`
	PutRetries              int           `yaml:"put_retries"`
	BackoffInitial          time.Duration `yaml:"backoff_initial"`
	BackoffMax              time.Duration `yaml:"backoff_max"`
	DiscontinuityOnFailover bool          `yaml:"discontinuity_on_failover"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	RedisAddr  string `yaml:"redis_addr"`
	CacheBytes int64  `yaml:"cache_bytes"`
}

type GatewayConfig struct {
	Addr         string        `yaml:"addr"`
	Role         string        `yaml:"role"`
	Origins      []string      `yaml:"origins"`
	UpstreamWait time.Duration `yaml:"upstream_timeout"`
	RateLimitRPS int           `yaml:"rate_limit_rps"`
	BreakerFails int           `yaml:"breaker_failures"`
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type CatalogConfig struct {
	Source   string        `yaml:"source"`
	Path     string        `yaml:"path"`
	DSN      string        `yaml:"dsn"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type DRMConfig struct {
	Provider     string `yaml:"provider"`
	MasterSecret string `yaml:"master_secret"`
	URL          string `yaml:"url"`
	KeyURIBase   string `yaml:"key_uri_base"`
}

type EventsConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream"`
	MaxLen      int64  `yaml:"max_len"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		DataDir:  "/var/lib/xglive",
		Ingest: IngestConfig{
			RTMP:           ListenerConfig{Enabled: true, Addr: ":1935"},
			SRT:            ListenerConfig{Enabled: false, Addr: ":6000"},
			WebRTC:         ListenerConfig{Enabled: false, Addr: ":8089"},
			MaxConnections: 256,
			QueueSize:      512,
			Monitor: MonitorConfig{
				LossThreshold:        0.05,
				BitrateCollapseRatio: 0.25,
				SilenceTimeout:       2 * time.Second,
				Window:               2 * time.Second,
				EventInterval:        10 * time.Second,
			},
		},
		Registry: RegistryConfig{
			HealthTimeout: 5 * time.Second,
			SweepInterval: 500 * time.Millisecond,
			DrainTimeout:  10 * time.Second,
		},
		Transcode: TranscodeConfig{
			Encoder:           "ffmpeg",
			QueueSize:         256,
			ThumbnailInterval: 10 * time.Second,
			FFmpegBin:         "ffmpeg",
			FFprobeBin:        "ffprobe",
		},
		Packager: PackagerConfig{
			SegmentTarget:           2 * time.Second,
			DVRWindow:               2 * time.Minute,
			PutTimeout:              2 * time.Second,
			PutRetries:              3,
			BackoffInitial:          100 * time.Millisecond,
			BackoffMax:              time.Second,
			DiscontinuityOnFailover: true,
		},
		Store: StoreConfig{
			Backend:    "memory",
			CacheBytes: 256 << 20,
		},
		Gateway: GatewayConfig{
			Addr:         ":8080",
			Role:         "origin",
			UpstreamWait: 3 * time.Second,
			RateLimitRPS: 200,
			BreakerFails: 5,
			BreakerReset: 10 * time.Second,
		},
		API: APIConfig{Addr: "127.0.0.1:8081"},
		Catalog: CatalogConfig{
			Source:   "file",
			CacheTTL: 30 * time.Second,
		},
		DRM: DRMConfig{Provider: "derived"},
		Events: EventsConfig{
			RedisStream: "xglive:events",
			MaxLen:      10000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "xglive",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}
