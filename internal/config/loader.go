// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "XGLIVE_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	envFile         string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. envFile may be empty; when it
// names an existing file its variables are loaded without overriding the
// process environment.
func NewLoader(configPath, envFile, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		envFile:         envFile,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) key(name string) string {
	k := EnvPrefix + name
	l.ConsumedEnvKeys[k] = struct{}{}
	return k
}

// Load loads configuration with precedence: ENV > File > Defaults, then validates.
// Every returned error wraps ErrInvalidConfig.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.envFile != "" {
		if _, err := os.Stat(l.envFile); err == nil {
			if err := godotenv.Load(l.envFile); err != nil {
				return cfg, fmt.Errorf("%w: load env file: %v", ErrInvalidConfig, err)
			}
			logger := log.WithComponent("config")
			logger.Info().
				Str(log.FieldEvent, "config.env_file_loaded").
				Str(log.FieldPath, l.envFile).
				Msg("loaded env file")
		}
	}

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: load config file: %w", ErrInvalidConfig, err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if cfg.DataDir != "" {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString(l.key("LOG_LEVEL"), cfg.LogLevel)
	cfg.DataDir = ParseString(l.key("DATA_DIR"), cfg.DataDir)

	in := &cfg.Ingest
	in.RTMP.Enabled = ParseBool(l.key("RTMP_ENABLED"), in.RTMP.Enabled)
	in.RTMP.Addr = ParseString(l.key("RTMP_ADDR"), in.RTMP.Addr)
	in.SRT.Enabled = ParseBool(l.key("SRT_ENABLED"), in.SRT.Enabled)
	in.SRT.Addr = ParseString(l.key("SRT_ADDR"), in.SRT.Addr)
	in.WebRTC.Enabled = ParseBool(l.key("WEBRTC_ENABLED"), in.WebRTC.Enabled)
	in.WebRTC.Addr = ParseString(l.key("WEBRTC_ADDR"), in.WebRTC.Addr)
	in.MaxConnections = ParseInt(l.key("INGEST_MAX_CONNECTIONS"), in.MaxConnections)
	in.QueueSize = ParseInt(l.key("INGEST_QUEUE_SIZE"), in.QueueSize)
	in.Monitor.LossThreshold = ParseFloat(l.key("MONITOR_LOSS_THRESHOLD"), in.Monitor.LossThreshold)
	in.Monitor.BitrateCollapseRatio = ParseFloat(l.key("MONITOR_BITRATE_COLLAPSE_RATIO"), in.Monitor.BitrateCollapseRatio)
	in.Monitor.SilenceTimeout = ParseDuration(l.key("MONITOR_SILENCE_TIMEOUT"), in.Monitor.SilenceTimeout)

	cfg.Registry.HealthTimeout = ParseDuration(l.key("HEALTH_TIMEOUT"), cfg.Registry.HealthTimeout)
	cfg.Registry.SweepInterval = ParseDuration(l.key("SWEEP_INTERVAL"), cfg.Registry.SweepInterval)
	cfg.Registry.JournalPath = ParseString(l.key("JOURNAL_PATH"), cfg.Registry.JournalPath)

	cfg.Transcode.Encoder = ParseString(l.key("ENCODER"), cfg.Transcode.Encoder)
	cfg.Transcode.QueueSize = ParseInt(l.key("TRANSCODE_QUEUE_SIZE"), cfg.Transcode.QueueSize)
	cfg.Transcode.ThumbnailInterval = ParseDuration(l.key("THUMBNAIL_INTERVAL"), cfg.Transcode.ThumbnailInterval)
	cfg.Transcode.FFmpegBin = ParseString(l.key("FFMPEG_BIN"), cfg.Transcode.FFmpegBin)
	cfg.Transcode.FFprobeBin = ParseString(l.key("FFPROBE_BIN"), cfg.Transcode.FFprobeBin)

	p := &cfg.Packager
	p.SegmentTarget = ParseDuration(l.key("SEGMENT_TARGET"), p.SegmentTarget)
	p.DVRWindow = ParseDuration(l.key("DVR_WINDOW"), p.DVRWindow)
	p.PutTimeout = ParseDuration(l.key("STORE_PUT_TIMEOUT"), p.PutTimeout)
	p.PutRetries = ParseInt(l.key("STORE_PUT_RETRIES"), p.PutRetries)
	p.BackoffInitial = ParseDuration(l.key("STORE_BACKOFF_INITIAL"), p.BackoffInitial)
	p.BackoffMax = ParseDuration(l.key("STORE_BACKOFF_MAX"), p.BackoffMax)
	p.DiscontinuityOnFailover = ParseBool(l.key("DISCONTINUITY_ON_FAILOVER"), p.DiscontinuityOnFailover)

	cfg.Store.Backend = ParseString(l.key("STORE_BACKEND"), cfg.Store.Backend)
	cfg.Store.Path = ParseString(l.key("STORE_PATH"), cfg.Store.Path)
	cfg.Store.RedisAddr = ParseString(l.key("STORE_REDIS_ADDR"), cfg.Store.RedisAddr)
	cfg.Store.CacheBytes = ParseInt64(l.key("STORE_CACHE_BYTES"), cfg.Store.CacheBytes)

	g := &cfg.Gateway
	g.Addr = ParseString(l.key("GATEWAY_ADDR"), g.Addr)
	g.Role = ParseString(l.key("GATEWAY_ROLE"), g.Role)
	g.Origins = ParseList(l.key("GATEWAY_ORIGINS"), g.Origins)
	g.UpstreamWait = ParseDuration(l.key("GATEWAY_UPSTREAM_TIMEOUT"), g.UpstreamWait)
	g.RateLimitRPS = ParseInt(l.key("GATEWAY_RATE_LIMIT_RPS"), g.RateLimitRPS)

	cfg.API.Addr = ParseString(l.key("API_ADDR"), cfg.API.Addr)
	cfg.API.Token = ParseString(l.key("API_TOKEN"), cfg.API.Token)

	cfg.Catalog.Source = ParseString(l.key("CATALOG_SOURCE"), cfg.Catalog.Source)
	cfg.Catalog.Path = ParseString(l.key("CATALOG_PATH"), cfg.Catalog.Path)
	cfg.Catalog.DSN = ParseString(l.key("CATALOG_DSN"), cfg.Catalog.DSN)
	cfg.Catalog.CacheTTL = ParseDuration(l.key("CATALOG_CACHE_TTL"), cfg.Catalog.CacheTTL)

	cfg.DRM.Provider = ParseString(l.key("DRM_PROVIDER"), cfg.DRM.Provider)
	cfg.DRM.MasterSecret = ParseString(l.key("DRM_MASTER_SECRET"), cfg.DRM.MasterSecret)
	cfg.DRM.URL = ParseString(l.key("DRM_URL"), cfg.DRM.URL)
	cfg.DRM.KeyURIBase = ParseString(l.key("DRM_KEY_URI_BASE"), cfg.DRM.KeyURIBase)

	cfg.Events.RedisAddr = ParseString(l.key("EVENTS_REDIS_ADDR"), cfg.Events.RedisAddr)
	cfg.Events.RedisStream = ParseString(l.key("EVENTS_REDIS_STREAM"), cfg.Events.RedisStream)

	cfg.Telemetry.Enabled = ParseBool(l.key("TELEMETRY_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString(l.key("TELEMETRY_EXPORTER"), cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(l.key("TELEMETRY_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(l.key("TELEMETRY_SAMPLING_RATE"), cfg.Telemetry.SamplingRate)

	cfg.Archive.Bucket = ParseString(l.key("ARCHIVE_BUCKET"), cfg.Archive.Bucket)
	cfg.Archive.Region = ParseString(l.key("ARCHIVE_REGION"), cfg.Archive.Region)
	cfg.Archive.Endpoint = ParseString(l.key("ARCHIVE_ENDPOINT"), cfg.Archive.Endpoint)
	cfg.Archive.Prefix = ParseString(l.key("ARCHIVE_PREFIX"), cfg.Archive.Prefix)
}

// ManifestMaxAge is the downstream cache lifetime for live manifests: half a
// segment target, at least one second.
func (p PackagerConfig) ManifestMaxAge() time.Duration {
	d := p.SegmentTarget / 2
	if d < time.Second {
		d = time.Second
	}
	return d
}
