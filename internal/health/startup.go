// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment before the daemon starts
// accepting publishers.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddrs(logger, cfg); err != nil {
		return err
	}
	if cfg.Gateway.Role == "edge" {
		for _, origin := range cfg.Gateway.Origins {
			u, err := url.Parse(origin)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("invalid upstream origin %q", origin)
			}
		}
	}

	if bin := strings.TrimSpace(cfg.Transcode.FFmpegBin); bin != "" {
		if _, err := exec.LookPath(bin); err != nil {
			if cfg.Transcode.Encoder == "ffmpeg" {
				return fmt.Errorf("live encoder binary %q not found: %w", bin, err)
			}
			logger.Warn().Str("ffmpeg", bin).Msg("ffmpeg not found; VOD transcoding unavailable")
		}
	}
	if strings.EqualFold(cfg.Store.Backend, "memory") {
		logger.Warn().Msg("segment store is in memory; the DVR window does not survive restarts")
	}

	logger.Info().Str(log.FieldEvent, "startup.checked").Msg("startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("data directory not configured")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)
	logger.Debug().Str(log.FieldPath, path).Msg("data directory is writable")
	return nil
}

func checkListenAddrs(logger zerolog.Logger, cfg config.AppConfig) error {
	addrs := map[string]string{
		"gateway": cfg.Gateway.Addr,
		"api":     cfg.API.Addr,
	}
	if cfg.Ingest.RTMP.Enabled {
		addrs["rtmp"] = cfg.Ingest.RTMP.Addr
	}
	if cfg.Ingest.SRT.Enabled {
		addrs["srt"] = cfg.Ingest.SRT.Addr
	}
	if cfg.Ingest.WebRTC.Enabled {
		addrs["webrtc"] = cfg.Ingest.WebRTC.Addr
	}
	for name, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s listen address %q: %w", name, addr, err)
		}
	}
	logger.Debug().Int("count", len(addrs)).Msg("listen addresses valid")
	return nil
}
