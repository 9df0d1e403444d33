// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/rs/zerolog"
)

// Source yields normalized frames in decode order. Pop returns io.EOF once the
// stream ended cleanly.
type Source interface {
	Pop(ctx context.Context) (media.Frame, error)
}

// Options configures an Engine.
type Options struct {
	Factory           EncoderFactory
	QueueSize         int
	SegmentTarget     time.Duration
	ThumbnailInterval time.Duration
	Extractor         Extractor
	OnThumbnail       func(Thumbnail)
}

// Engine fans one frame stream out to the renditions of a ladder.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.QueueSize < 2 {
		opts.QueueSize = 2
	}
	if opts.SegmentTarget <= 0 {
		opts.SegmentTarget = 2 * time.Second
	}
	if opts.Factory == nil {
		opts.Factory = PassthroughFactory
	}
	return &Engine{opts: opts}
}

type job struct {
	frame media.Frame
	cut   *media.Cut
}

type worker struct {
	spec media.RenditionSpec
	enc  Encoder
	in   chan job
	out  chan media.Encoded
}

// Run is one active Encode call.
type Run struct {
	opts    Options
	workers []*worker
	outputs map[string]<-chan media.Encoded
	names   []string
	abort   chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  zerolog.Logger

	mu  sync.Mutex
	err error

	thumbs chan media.Frame
}

// Encode starts one worker per rendition and a dispatcher reading src. The
// returned Run delivers every dispatched element on its outputs; consumers
// must drain each output until it is closed, or call Abort.
//
// Segment boundaries are decided by the dispatcher at source key frames once
// the segment target elapsed, and the same Cut is sent to every rendition.
// When src returns io.EOF an end-of-stream Cut is sent; any other error
// stops dispatching without one.
func (e *Engine) Encode(ctx context.Context, src Source, ladder []media.RenditionSpec, info media.SourceInfo) (*Run, error) {
	if len(ladder) == 0 {
		return nil, errors.New("transcode: empty ladder")
	}
	r := &Run{
		opts:    e.opts,
		outputs: make(map[string]<-chan media.Encoded, len(ladder)),
		abort:   make(chan struct{}),
		logger:  log.WithComponentFromContext(ctx, "transcode"),
	}

	top := 0
	for i, spec := range ladder {
		if spec.VideoBitrate > ladder[top].VideoBitrate {
			top = i
		}
	}
	for i, spec := range ladder {
		pass := i == top && CanPassthrough(spec, info)
		enc, err := e.opts.Factory(spec, info, pass)
		if err != nil {
			r.closeEncoders()
			return nil, fmt.Errorf("transcode: encoder for %s: %w", spec.Name, err)
		}
		w := &worker{
			spec: spec,
			enc:  enc,
			in:   make(chan job, e.opts.QueueSize),
			out:  make(chan media.Encoded, e.opts.QueueSize),
		}
		r.workers = append(r.workers, w)
		r.outputs[spec.Name] = w.out
		r.names = append(r.names, spec.Name)
		if pass {
			r.logger.Info().Str(log.FieldRendition, spec.Name).Str(log.FieldCodec, info.VideoCodec).Msg("rendition uses passthrough")
		}
	}

	if r.opts.ThumbnailInterval > 0 && r.opts.Extractor != nil && r.opts.OnThumbnail != nil {
		r.thumbs = make(chan media.Frame, 1)
		r.wg.Add(1)
		go r.thumbnails(ctx)
	}
	for _, w := range r.workers {
		r.wg.Add(1)
		go r.work(w)
	}
	r.wg.Add(1)
	go r.dispatch(ctx, src)
	return r, nil
}

// Renditions lists rendition names in ladder order.
func (r *Run) Renditions() []string { return append([]string(nil), r.names...) }

// Output returns the encoded stream of one rendition, or nil.
func (r *Run) Output(name string) <-chan media.Encoded { return r.outputs[name] }

// Abort unblocks workers whose consumer went away. Undelivered output is lost.
func (r *Run) Abort() {
	r.once.Do(func() { close(r.abort) })
}

// Wait blocks until every goroutine of the run has exited and returns the
// source error that stopped dispatching, if any other than io.EOF.
func (r *Run) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Run) closeEncoders() {
	for _, w := range r.workers {
		_ = w.enc.Close()
	}
}

func (r *Run) dispatch(ctx context.Context, src Source) {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.in)
		}
		if r.thumbs != nil {
			close(r.thumbs)
		}
	}()

	var (
		started   bool
		segStart  time.Duration
		lastThumb time.Duration
		haveThumb bool
	)
	for {
		f, err := src.Pop(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.broadcast(job{cut: &media.Cut{EndOfStream: true}})
				return
			}
			r.setErr(err)
			return
		}
		if !started {
			if !f.IsKey() {
				continue
			}
			started = true
			segStart = f.PTS
		} else if f.IsKey() && f.PTS-segStart >= r.opts.SegmentTarget {
			if !r.broadcast(job{cut: &media.Cut{PTS: f.PTS}}) {
				return
			}
			segStart = f.PTS
		}

		if f.IsKey() && r.thumbs != nil && (!haveThumb || f.PTS-lastThumb >= r.opts.ThumbnailInterval) {
			select {
			case r.thumbs <- f:
				haveThumb = true
				lastThumb = f.PTS
			default:
				metrics.ThumbnailsTotal.WithLabelValues("dropped").Inc()
			}
		}

		if f.Droppable() {
			for _, w := range r.workers {
				select {
				case w.in <- job{frame: f}:
				default:
					metrics.TranscodeDroppedTotal.WithLabelValues(w.spec.Name).Inc()
				}
			}
			continue
		}
		if !r.broadcast(job{frame: f}) {
			return
		}
	}
}

// broadcast delivers j to every rendition, blocking on full queues.
func (r *Run) broadcast(j job) bool {
	for _, w := range r.workers {
		select {
		case w.in <- j:
		case <-r.abort:
			return false
		}
	}
	return true
}

func (r *Run) emit(w *worker, e media.Encoded) bool {
	e.Rendition = w.spec.Name
	select {
	case w.out <- e:
		return true
	case <-r.abort:
		return false
	}
}

func (r *Run) work(w *worker) {
	defer r.wg.Done()
	defer close(w.out)
	defer func() { _ = w.enc.Close() }()

	logger := r.logger.With().Str(log.FieldRendition, w.spec.Name).Logger()
	frames := metrics.TranscodeFramesTotal.WithLabelValues(w.spec.Name)
	flusher, _ := w.enc.(Flusher)
	degraded := false

	fail := func(err error) bool {
		degraded = true
		metrics.TranscodeEncodeErrorsTotal.WithLabelValues(w.spec.Name).Inc()
		logger.Error().Err(err).Str(log.FieldEvent, "rendition.degraded").Msg("encoder failed")
		return r.emit(w, media.Encoded{Status: media.StatusDegraded, Err: err})
	}
	deliver := func(out []media.Frame) bool {
		for _, o := range out {
			if !r.emit(w, media.Encoded{Frame: o}) {
				return false
			}
			frames.Inc()
		}
		return true
	}

	for j := range w.in {
		if j.cut != nil {
			if flusher != nil && !degraded {
				out, err := safeFlush(flusher)
				if err != nil {
					if !fail(err) {
						return
					}
				} else if !deliver(out) {
					return
				}
			}
			if !r.emit(w, media.Encoded{Cut: j.cut}) {
				return
			}
			continue
		}
		f := j.frame
		if degraded {
			if !f.IsKey() {
				continue
			}
			if err := w.enc.Reset(); err != nil {
				logger.Warn().Err(err).Msg("encoder reset failed")
				continue
			}
			degraded = false
			logger.Info().Str(log.FieldEvent, "rendition.recovered").Msg("rendition recovered")
			if !r.emit(w, media.Encoded{Status: media.StatusRecovered}) {
				return
			}
		}

		out, err := safeEncode(w.enc, f)
		if err != nil {
			if !fail(err) {
				return
			}
			continue
		}
		if !deliver(out) {
			return
		}
	}
}

// safeEncode runs one Encode call, turning errors and panics into
// ErrEncodeFailure.
func safeEncode(enc Encoder, f media.Frame) ([]media.Frame, error) {
	return guard(func() ([]media.Frame, error) { return enc.Encode(f, f.IsKey()) })
}

func safeFlush(fl Flusher) ([]media.Frame, error) { return guard(fl.Flush) }

func guard(fn func() ([]media.Frame, error)) (out []media.Frame, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", media.ErrEncodeFailure, p)
		}
	}()
	out, err = fn()
	if err != nil && !errors.Is(err, media.ErrEncodeFailure) {
		err = fmt.Errorf("%w: %w", media.ErrEncodeFailure, err)
	}
	return out, err
}

func (r *Run) thumbnails(ctx context.Context) {
	defer r.wg.Done()
	for f := range r.thumbs {
		th, err := r.opts.Extractor.Extract(ctx, f)
		if err != nil {
			metrics.ThumbnailsTotal.WithLabelValues("failed").Inc()
			r.logger.Debug().Err(err).Msg("thumbnail extraction failed")
			continue
		}
		metrics.ThumbnailsTotal.WithLabelValues("taken").Inc()
		r.opts.OnThumbnail(th)
	}
}
