// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package packager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/mpegts"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/rs/zerolog"
)

// Discontinuity causes used in metrics and logs.
const (
	CauseFailover = "failover"
	CauseDegraded = "degraded"
	CauseStore    = "store"
	CauseRestart  = "restart"
	CauseKey      = "key"
	CauseMux      = "mux"
)

// Options tunes sealing and storage.
type Options struct {
	SegmentTarget time.Duration
	DVRWindow     time.Duration
	PutTimeout    time.Duration
	Backoff       resilience.Backoff
	Emitter       *events.Emitter
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SegmentTarget <= 0 {
		o.SegmentTarget = 2 * time.Second
	}
	if o.DVRWindow < o.SegmentTarget {
		o.DVRWindow = o.SegmentTarget
	}
	if o.PutTimeout <= 0 {
		o.PutTimeout = 2 * time.Second
	}
	if o.Backoff.Attempts <= 0 {
		o.Backoff.Attempts = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Segmenter accumulates one rendition's encoded stream and seals it into
// segments. Every method is serialized by the segmenter's mutex, so segments
// are sealed, stored and advertised strictly in sequence order.
type Segmenter struct {
	mu sync.Mutex

	rid       media.RenditionID
	channelID string
	name      string
	store     store.Store
	manifest  *Manifest
	enc       *Encryptor
	opts      Options
	logger    zerolog.Logger

	nextSeq     uint64
	frames      []media.Frame
	start       time.Duration
	last        time.Duration
	videoFrames int
	pendingDisc bool
	discCause   string
	paused      bool
	degraded    bool
}

// NewSegmenter returns a segmenter whose first segment has sequence 0.
func NewSegmenter(channelID string, spec media.RenditionSpec, st store.Store, enc *Encryptor, opts Options) *Segmenter {
	opts = opts.withDefaults()
	rid := media.NewRenditionID(channelID, spec.Name)
	return &Segmenter{
		rid:       rid,
		channelID: channelID,
		name:      spec.Name,
		store:     st,
		enc:       enc,
		opts:      opts,
		manifest:  NewManifest(rid, spec, opts.SegmentTarget, WindowSegments(opts.DVRWindow, opts.SegmentTarget), opts.Now()),
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "packager").
				Str(log.FieldChannelID, channelID).
				Str(log.FieldRendition, spec.Name)
		}),
	}
}

func (s *Segmenter) Rendition() media.RenditionID { return s.rid }
func (s *Segmenter) Manifest() *Manifest          { return s.manifest }

// Paused reports whether packaging is suspended on a store failure.
func (s *Segmenter) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Push consumes one element of the rendition's encoded stream. Errors are
// informational: the segmenter has already moved to a defined state.
func (s *Segmenter) Push(ctx context.Context, e media.Encoded) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case e.Cut != nil:
		return s.cutLocked(ctx, *e.Cut)
	case e.Status == media.StatusDegraded:
		s.degradeLocked(e.Err)
	case e.Status == media.StatusRecovered:
		s.recoverLocked()
	default:
		s.appendLocked(e.Frame)
	}
	return nil
}

// Flush seals any partial segment, as at a cut without a following key.
func (s *Segmenter) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || len(s.frames) == 0 {
		s.dropLocked()
		return nil
	}
	return s.sealLocked(ctx, s.estimateLocked())
}

// Restart prepares the segmenter for frames from a different session: any
// partial segment is discarded, a degraded state is cleared and the next
// segment carries a discontinuity.
func (s *Segmenter) Restart(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	if s.degraded {
		s.degraded = false
		s.manifest.SetDegraded(false)
		metrics.RenditionDegraded.WithLabelValues(s.channelID, s.name).Set(0)
	}
	s.manifest.Reopen()
	if !s.manifest.Snapshot().Empty() || s.nextSeq > 0 {
		s.markDiscLocked(cause)
	}
}

// End flushes and marks the manifest finished.
func (s *Segmenter) End(ctx context.Context) error {
	err := s.Flush(ctx)
	s.manifest.End()
	if p, ok := s.store.(store.Pinner); ok {
		p.Release(s.rid)
	}
	return err
}

func (s *Segmenter) dropLocked() {
	s.frames = nil
	s.videoFrames = 0
}

func (s *Segmenter) markDiscLocked(cause string) {
	s.pendingDisc = true
	if s.discCause == "" {
		s.discCause = cause
	}
}

func (s *Segmenter) appendLocked(f media.Frame) {
	if s.paused || s.degraded {
		return
	}
	if len(s.frames) == 0 {
		if !f.IsKey() {
			return
		}
		s.start, s.last = f.PTS, f.PTS
	}
	s.frames = append(s.frames, f)
	if f.IsVideo() {
		s.videoFrames++
	}
	if f.PTS > s.last {
		s.last = f.PTS
	}
}

// estimateLocked is the duration of a segment closed without a following
// key frame: the covered span plus one average frame interval.
func (s *Segmenter) estimateLocked() time.Duration {
	span := s.last - s.start
	if s.videoFrames > 1 {
		return span + span/time.Duration(s.videoFrames-1)
	}
	if span <= 0 {
		return time.Millisecond
	}
	return span
}

func (s *Segmenter) cutLocked(ctx context.Context, cut media.Cut) error {
	if s.paused {
		s.probeLocked(ctx)
		return nil
	}
	if len(s.frames) == 0 {
		return nil
	}
	dur := s.estimateLocked()
	if !cut.EndOfStream && cut.PTS > s.start {
		dur = cut.PTS - s.start
	}
	return s.sealLocked(ctx, dur)
}

func (s *Segmenter) sealLocked(ctx context.Context, dur time.Duration) error {
	seq := s.nextSeq
	payload, err := mpegts.Mux(s.frames)
	s.dropLocked()
	if err != nil {
		return s.rejectLocked(seq, CauseMux, err, "segment muxing failed, segment dropped")
	}
	seg := media.Segment{
		Rendition:     s.rid,
		Sequence:      seq,
		Duration:      dur,
		PTS:           s.start,
		Payload:       payload,
		Discontinuity: s.pendingDisc,
		SealedAt:      s.opts.Now(),
	}

	var keyURI string
	if s.enc != nil {
		out, key, err := s.enc.Encrypt(ctx, seq, seg.Payload)
		if err != nil {
			return s.rejectLocked(seq, CauseKey, err, "segment encryption failed, segment dropped")
		}
		seg.Payload, seg.KeyID, keyURI = out, key.KeyID, key.URI
	}

	retries := metrics.SegmentPutRetriesTotal.WithLabelValues(s.name)
	err = resilience.Retry(ctx, s.opts.Backoff, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			retries.Inc()
			s.logger.Warn().Int(log.FieldAttempt, attempt).Uint64(log.FieldSequence, seq).Msg("retrying segment write")
		}
		pctx, cancel := context.WithTimeout(ctx, s.opts.PutTimeout)
		defer cancel()
		return s.store.Put(pctx, seg)
	})
	if err != nil {
		s.pauseLocked(seq, err)
		if !errors.Is(err, media.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", media.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("seal %s/%d: %w", s.rid, seq, err)
	}

	s.nextSeq++
	if seg.Discontinuity {
		metrics.DiscontinuitiesTotal.WithLabelValues(s.discCause).Inc()
		s.pendingDisc, s.discCause = false, ""
	}
	trimmed := s.manifest.Append(Entry{
		Sequence:      seq,
		Duration:      dur,
		PTS:           seg.PTS,
		Discontinuity: seg.Discontinuity,
		KeyID:         seg.KeyID,
		KeyURI:        keyURI,
		Size:          seg.Size(),
		SealedAt:      seg.SealedAt,
	})
	metrics.SegmentsSealedTotal.WithLabelValues(s.name).Inc()
	metrics.SegmentDuration.WithLabelValues(s.name).Observe(dur.Seconds())
	s.logger.Debug().
		Str(log.FieldEvent, "segment.sealed").
		Uint64(log.FieldSequence, seq).
		Int64(log.FieldDuration, dur.Milliseconds()).
		Bool("discontinuity", seg.Discontinuity).
		Msg("segment sealed")

	first := s.manifest.Snapshot().MediaSequence()
	if p, ok := s.store.(store.Pinner); ok {
		p.Pin(s.rid, first)
	}
	if trimmed > 0 {
		ectx, cancel := context.WithTimeout(ctx, s.opts.PutTimeout)
		defer cancel()
		if err := s.store.Evict(ectx, s.rid, first); err != nil {
			s.logger.Warn().Err(err).Uint64(log.FieldSequence, first).Msg("evicting expired segments failed")
		}
	}
	return nil
}

// rejectLocked drops a segment that could not be produced. The sequence
// number is reused by the next segment, which is marked discontinuous.
func (s *Segmenter) rejectLocked(seq uint64, cause string, err error, msg string) error {
	s.markDiscLocked(cause)
	s.logger.Error().Err(err).Uint64(log.FieldSequence, seq).Msg(msg)
	s.opts.Emitter.Emit(events.Event{
		Type:      events.HealthDegraded,
		ChannelID: s.channelID,
		Rendition: s.name,
		Detail:    err.Error(),
	})
	return fmt.Errorf("seal %s/%d: %w", s.rid, seq, err)
}

func (s *Segmenter) pauseLocked(seq uint64, err error) {
	s.paused = true
	s.dropLocked()
	s.markDiscLocked(CauseStore)
	metrics.PackagingPaused.WithLabelValues(s.name).Set(1)
	s.logger.Error().
		Err(err).
		Str(log.FieldEvent, "store.error").
		Uint64(log.FieldSequence, seq).
		Msg("segment write failed after retries, packaging paused")
	s.opts.Emitter.Emit(events.Event{
		Type:      events.StoreError,
		ChannelID: s.channelID,
		Rendition: s.name,
		Detail:    err.Error(),
	})
	s.opts.Emitter.Emit(events.Event{
		Type:      events.HealthDegraded,
		ChannelID: s.channelID,
		Rendition: s.name,
		Detail:    "segment store unavailable",
	})
}

func (s *Segmenter) probeLocked(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.PutTimeout)
	defer cancel()
	if err := s.store.Ping(pctx); err != nil {
		s.logger.Debug().Err(err).Msg("store still unavailable")
		return
	}
	s.paused = false
	metrics.PackagingPaused.WithLabelValues(s.name).Set(0)
	s.logger.Info().Str(log.FieldEvent, "store.recovered").Msg("store reachable again, packaging resumed")
}

func (s *Segmenter) degradeLocked(err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.dropLocked()
	s.markDiscLocked(CauseDegraded)
	s.manifest.SetDegraded(true)
	metrics.RenditionDegraded.WithLabelValues(s.channelID, s.name).Set(1)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.logger.Warn().Str(log.FieldEvent, "rendition.degraded").Str("detail", detail).Msg("rendition excluded from manifests")
	s.opts.Emitter.Emit(events.Event{Type: events.RenditionDegraded, ChannelID: s.channelID, Rendition: s.name, Detail: detail})
	s.opts.Emitter.Emit(events.Event{Type: events.HealthDegraded, ChannelID: s.channelID, Rendition: s.name, Detail: detail})
}

func (s *Segmenter) recoverLocked() {
	if !s.degraded {
		return
	}
	s.degraded = false
	s.manifest.SetDegraded(false)
	metrics.RenditionDegraded.WithLabelValues(s.channelID, s.name).Set(0)
	s.logger.Info().Str(log.FieldEvent, "rendition.recovered").Msg("rendition back in manifests")
	s.opts.Emitter.Emit(events.Event{Type: events.RenditionRecovered, ChannelID: s.channelID, Rendition: s.name})
}
