// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/mpegts"
)

const (
	defaultFlushTimeout = 10 * time.Second
	defaultAudioWait    = time.Second
)

// Process is one running encoder process.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait reaps the process after Stdout reached EOF.
	Wait() error
	Kill()
}

// StartFunc launches an encoder process.
type StartFunc func(bin string, args []string) (Process, error)

// LiveOptions configures an FFmpegEncoder.
type LiveOptions struct {
	Bin   string
	Start StartFunc
	// FlushTimeout bounds the wait for a segment's output once its input
	// is complete.
	FlushTimeout time.Duration
	// AudioWait is how much video is held back waiting for the first AAC
	// frame of a source that announced AAC audio.
	AudioWait time.Duration
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.Bin == "" {
		o.Bin = "ffmpeg"
	}
	if o.Start == nil {
		o.Start = execStart
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.AudioWait <= 0 {
		o.AudioWait = defaultAudioWait
	}
	return o
}

// FFmpegEncoder encodes a live rendition with one ffmpeg process per
// segment. Frames are written to the process as MPEG-TS starting at a
// source key frame; Flush ends the input and returns the rest of the
// segment's output. Output timestamps are moved back onto the source clock
// so every rendition cuts at the same presentation times.
type FFmpegEncoder struct {
	spec  media.RenditionSpec
	opts  LiveOptions
	args  []string
	wants bool // source announced AAC audio

	audio   []byte
	pending []media.Frame
	seg     *liveSegment
	closed  bool
}

// NewFFmpegEncoder returns an encoder for an H.264 rendition.
func NewFFmpegEncoder(spec media.RenditionSpec, src media.SourceInfo, opts LiveOptions) (*FFmpegEncoder, error) {
	if spec.Codec != "" && !strings.EqualFold(spec.Codec, "h264") {
		return nil, fmt.Errorf("live encoder: unsupported codec %q", spec.Codec)
	}
	return &FFmpegEncoder{
		spec:  spec,
		opts:  opts.withDefaults(),
		args:  LiveArgs(spec),
		wants: strings.EqualFold(src.AudioCodec, "aac"),
	}, nil
}

func (e *FFmpegEncoder) Encode(f media.Frame, _ bool) ([]media.Frame, error) {
	if e.closed {
		return nil, errEncoderClosed
	}
	if f.Type == media.FrameAudio && strings.EqualFold(f.Codec, "aac") && len(f.Config) > 0 {
		e.audio = f.Config
	}
	if e.seg != nil {
		if err := e.seg.write(f); err != nil {
			return nil, err
		}
		return e.seg.take(false), nil
	}
	if len(e.pending) == 0 && !f.IsKey() {
		return nil, nil
	}
	e.pending = append(e.pending, f)
	if e.audio == nil && e.wants && f.PTS-e.pending[0].PTS < e.opts.AudioWait {
		return nil, nil
	}
	if err := e.start(); err != nil {
		return nil, err
	}
	return e.seg.take(false), nil
}

// start launches the process for the pending frames.
func (e *FFmpegEncoder) start() error {
	frames := e.pending
	e.pending = nil
	first := frames[0]
	if len(first.Config) == 0 {
		return fmt.Errorf("%w: key frame without decoder configuration", media.ErrEncodeFailure)
	}
	proc, err := e.opts.Start(e.opts.Bin, e.args)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	metrics.TranscodeProcessesTotal.WithLabelValues(e.spec.Name).Inc()
	s := &liveSegment{proc: proc, keyPTS: first.PTS, done: make(chan struct{})}
	go s.read(proc.Stdout())
	s.w, err = mpegts.NewWriter(proc.Stdin(), first.Config, e.audio)
	if err != nil {
		s.abort()
		return err
	}
	e.seg = s
	for _, f := range frames {
		if err := s.write(f); err != nil {
			return err
		}
	}
	return nil
}

// Flush ends the current segment's input and waits for its output.
func (e *FFmpegEncoder) Flush() ([]media.Frame, error) {
	if e.closed {
		return nil, errEncoderClosed
	}
	if e.seg == nil && len(e.pending) > 0 {
		if err := e.start(); err != nil {
			return nil, err
		}
	}
	if e.seg == nil {
		return nil, nil
	}
	s := e.seg
	e.seg = nil
	return s.finish(e.opts.FlushTimeout)
}

func (e *FFmpegEncoder) Reset() error {
	if e.closed {
		return errEncoderClosed
	}
	e.stop()
	return nil
}

func (e *FFmpegEncoder) Close() error {
	e.stop()
	e.closed = true
	return nil
}

func (e *FFmpegEncoder) stop() {
	e.pending = nil
	if e.seg != nil {
		e.seg.abort()
		e.seg = nil
	}
}

// liveSegment is the process encoding one segment. Output is collected by a
// reader goroutine until the process closes stdout.
type liveSegment struct {
	proc   Process
	w      *mpegts.Writer
	keyPTS time.Duration
	done   chan struct{}

	mu      sync.Mutex
	out     []media.Frame
	err     error
	offset  time.Duration
	aligned bool
}

func (s *liveSegment) read(r io.Reader) {
	defer close(s.done)
	tr := mpegts.NewReader(r)
	for {
		f, err := tr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.err = fmt.Errorf("read encoder output: %w", err)
				s.mu.Unlock()
			}
			_, _ = io.Copy(io.Discard, r)
			return
		}
		s.mu.Lock()
		s.out = append(s.out, f)
		s.mu.Unlock()
	}
}

func (s *liveSegment) write(f media.Frame) error {
	if _, err := s.w.WriteFrame(f); err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

// take returns the output collected so far on the source clock. Nothing is
// returned until the first video frame fixes the clock offset; that frame is
// returned first.
func (s *liveSegment) take(final bool) []media.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aligned {
		first := -1
		for i, f := range s.out {
			if f.IsVideo() {
				first = i
				break
			}
		}
		if first < 0 {
			if final {
				s.out = nil
			}
			return nil
		}
		key := s.out[first]
		key.Type = media.FrameKey
		s.offset = key.PTS - s.keyPTS
		s.aligned = true
		s.out = append(append([]media.Frame{key}, s.out[:first]...), s.out[first+1:]...)
	}
	out := s.out
	s.out = nil
	for i := range out {
		out[i].PTS -= s.offset
		out[i].DTS -= s.offset
	}
	return out
}

func (s *liveSegment) finish(timeout time.Duration) ([]media.Frame, error) {
	err := s.w.Close()
	if cerr := s.proc.Stdin().Close(); err == nil {
		err = cerr
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
		s.abort()
		return nil, fmt.Errorf("%w: encoder output incomplete after %v", media.ErrEncodeFailure, timeout)
	}
	if werr := s.proc.Wait(); err == nil {
		err = werr
	}
	s.mu.Lock()
	if err == nil {
		err = s.err
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := s.take(true)
	if !s.aligned {
		return nil, fmt.Errorf("%w: encoder produced no video", media.ErrEncodeFailure)
	}
	return out, nil
}

func (s *liveSegment) abort() {
	s.proc.Kill()
	_ = s.proc.Stdin().Close()
	<-s.done
	_ = s.proc.Wait()
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr bytes.Buffer
}

func execStart(bin string, args []string) (Process, error) {
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.Command(bin, args...)
	setProcessGroup(cmd)
	p := &execProcess{cmd: cmd}
	cmd.Stderr = &p.stderr
	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, err
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	return p, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Kill()                 { killGroup(p.cmd) }

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(p.stderr.String(), 512))
	}
	return nil
}
