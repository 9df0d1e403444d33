// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Commander runs external tools for VOD jobs.
type Commander interface {
	// Run executes a long running ffmpeg job.
	Run(ctx context.Context, bin string, args []string) error
	// Output executes a short command and returns its stdout.
	Output(ctx context.Context, bin string, args []string) ([]byte, error)
}

// ErrStalled reports an ffmpeg job that stopped making progress.
var ErrStalled = errors.New("ffmpeg stalled")

// Progress is one ffmpeg -progress report.
type Progress struct {
	Frame     int
	OutTimeUs int64
	TotalSize int64
	Speed     string
}

func (p Progress) advanced(prev Progress) bool {
	return p.OutTimeUs > prev.OutTimeUs || p.TotalSize > prev.TotalSize || p.Frame > prev.Frame
}

// ExecCommander supervises ffmpeg processes: progress is read from
// "-progress pipe:1" and a job that makes none for StallTimeout after the
// startup grace is killed together with its process group.
type ExecCommander struct {
	Logger       zerolog.Logger
	StartupGrace time.Duration
	StallTimeout time.Duration
	Tick         time.Duration
	KillGrace    time.Duration
}

func (c ExecCommander) withDefaults() ExecCommander {
	if c.StartupGrace <= 0 {
		c.StartupGrace = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	return c
}

func (c ExecCommander) Output(ctx context.Context, bin string, args []string) ([]byte, error) {
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, tail(stderr.String(), 512))
	}
	return out, nil
}

func (c ExecCommander) Run(ctx context.Context, bin string, args []string) error {
	c = c.withDefaults()
	full := append([]string{"-nostdin", "-progress", "pipe:1"}, args...)
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.Command(bin, full...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	progress := make(chan Progress, 16)
	go func() {
		defer close(progress)
		parseProgress(stdout, progress)
	}()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	err = c.watch(ctx, cmd, done, progress)
	if err != nil && !errors.Is(err, ErrStalled) && ctx.Err() == nil {
		return fmt.Errorf("%s: %w: %s", bin, err, tail(stderr.String(), 512))
	}
	return err
}

func (c ExecCommander) watch(ctx context.Context, cmd *exec.Cmd, done <-chan error, progress <-chan Progress) error {
	start := time.Now()
	lastAt := start
	var last Progress

	ticker := time.NewTicker(c.Tick)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			killProcessGroup(cmd, c.KillGrace, done)
			return ctx.Err()
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if p.advanced(last) {
				last = p
				lastAt = time.Now()
			}
		case <-ticker.C:
			if time.Since(start) < c.StartupGrace || time.Since(lastAt) <= c.StallTimeout {
				continue
			}
			c.Logger.Error().
				Dur("since_progress", time.Since(lastAt)).
				Int64("last_out_time_us", last.OutTimeUs).
				Int64("last_total_size", last.TotalSize).
				Str("last_speed", last.Speed).
				Msg("ffmpeg stalled, killing process group")
			killProcessGroup(cmd, c.KillGrace, done)
			return ErrStalled
		}
	}
}

// parseProgress reads ffmpeg key=value progress blocks; "progress=" ends a
// block. Reports are dropped while the watcher is behind.
func parseProgress(r io.Reader, ch chan<- Progress) {
	sc := bufio.NewScanner(r)
	var cur Progress
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "frame":
			cur.Frame, _ = strconv.Atoi(val)
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.OutTimeUs = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.TotalSize = v
			}
		case "speed":
			cur.Speed = val
		case "progress":
			select {
			case ch <- cur:
			default:
			}
		}
	}
}
