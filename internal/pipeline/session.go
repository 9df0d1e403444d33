package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/ingest"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/transcode"
	"github.com/rs/zerolog"
)

// sessionPipeline is the per-session chain queue → engine → gates. It is
// also the ingest.Publication handed back to the acceptor.
type sessionPipeline struct {
	core   *Core
	sess   *session.Session
	out    *packager.Output
	queue  *ingest.FrameQueue
	run    *transcode.Run
	gates  map[string]*gate
	logger zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	stateMu sync.Mutex
	state   string // "standby", "live" or "" once stopped
}

var _ ingest.Publication = (*sessionPipeline)(nil)

func (c *Core) startPipeline(s *session.Session, out *packager.Output) (*sessionPipeline, error) {
	p := &sessionPipeline{
		core:  c,
		sess:  s,
		out:   out,
		queue: ingest.NewFrameQueue(c.opts.QueueSize),
		gates: make(map[string]*gate),
		done:  make(chan struct{}),
		state: "standby",
		logger: log.Derive(func(zc *zerolog.Context) {
			*zc = zc.Str(log.FieldComponent, "pipeline").
				Str(log.FieldSessionID, s.ID).
				Str(log.FieldChannelID, s.ChannelID).
				Str(log.FieldRole, string(s.Role))
		}),
	}

	proto := string(s.Protocol)
	p.queue.OnDrop = func(media.Frame) {
		metrics.IngestFramesDroppedTotal.WithLabelValues(proto).Inc()
	}
	p.queue.OnBlock = func() {
		metrics.IngestQueueBlockedTotal.WithLabelValues(proto).Inc()
	}

	topts := c.opts.Transcode
	topts.SegmentTarget = out.SegmentTarget()
	if topts.ThumbnailInterval > 0 && topts.Extractor != nil {
		topts.OnThumbnail = p.onThumbnail
	}
	run, err := transcode.NewEngine(topts).Encode(log.ContextWithSessionID(c.ctx, s.ID), p.queue, out.Ladder(), s.Source)
	if err != nil {
		return nil, err
	}
	p.run = run

	window := c.opts.Registry.HealthTimeout() + 2*out.SegmentTarget()
	for _, spec := range out.Ladder() {
		p.gates[spec.Name] = newGate(out.Segmenter(spec.Name), window, p.logger.With().Str(log.FieldRendition, spec.Name).Logger())
	}

	metrics.PipelinesActive.WithLabelValues(p.state).Inc()
	var feeders sync.WaitGroup
	for name, g := range p.gates {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			for e := range run.Output(name) {
				g.push(c.ctx, e)
			}
		}()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		feeders.Wait()
		if err := run.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Str(log.FieldEvent, "pipeline.source_error").Msg("pipeline source failed")
		}
		close(p.done)
	}()
	return p, nil
}

func (p *sessionPipeline) ID() string { return p.sess.ID }

func (p *sessionPipeline) Push(ctx context.Context, f media.Frame) error {
	p.sess.Touch(p.core.opts.Clock.Now())
	return p.queue.Push(ctx, f)
}

func (p *sessionPipeline) Signal(a ingest.Anomaly) {
	p.logger.Warn().
		Str(log.FieldEvent, "pipeline.anomaly").
		Str("kind", a.Kind).
		Str("detail", a.Detail).
		Msg("transport anomaly")
	p.core.opts.Emitter.Emit(events.Event{
		Type:      events.HealthDegraded,
		ChannelID: p.sess.ChannelID,
		SessionID: p.sess.ID,
		Protocol:  p.sess.Protocol,
		Detail:    a.Kind + ": " + a.Detail,
	})
}

// Close drains the pipeline, so every frame already pushed reaches the
// packager, then ends the session.
func (p *sessionPipeline) Close(reason media.ReasonCode) {
	p.closeOnce.Do(func() {
		p.drain()
		if err := p.core.opts.Registry.Terminate(p.sess.ID, reason); err != nil && !errors.Is(err, media.ErrNotFound) {
			p.logger.Warn().Err(err).Msg("terminate session")
		}
	})
}

func (p *sessionPipeline) Done() <-chan struct{} { return p.sess.Done() }

// drain stops intake and waits for the engine and gates to process what is
// queued. On timeout the engine is aborted.
func (p *sessionPipeline) drain() bool {
	p.queue.Close()
	t := time.NewTimer(p.core.opts.DrainTimeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		metrics.PipelineDrainTimeoutsTotal.Inc()
		p.logger.Warn().
			Str(log.FieldEvent, "pipeline.drain_timeout").
			Dur("timeout", p.core.opts.DrainTimeout).
			Msg("pipeline did not drain, aborting")
		p.run.Abort()
		return false
	}
}

func (p *sessionPipeline) goLive(from resume) {
	replayed := 0
	for _, spec := range p.out.Ladder() {
		replayed += p.gates[spec.Name].goLive(p.core.ctx, from)
	}
	p.setState("live")
	ev := p.logger.Info().Str(log.FieldEvent, "pipeline.live").Int("replayed", replayed)
	if from.ok {
		ev = ev.Dur("resume_pts", from.pts)
	}
	ev.Msg("pipeline delivering")
}

func (p *sessionPipeline) live() bool {
	for _, g := range p.gates {
		if g.isLive() {
			return true
		}
	}
	return false
}

// stop detaches the pipeline from the packager and returns the position of
// the last delivered frame.
func (p *sessionPipeline) stop() resume {
	var r resume
	for _, g := range p.gates {
		if last := g.stop(); last.ok {
			r.merge(last.pts)
		}
	}
	p.setState("")
	return r
}

func (p *sessionPipeline) setState(state string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.state == state || p.state == "" {
		return
	}
	metrics.PipelinesActive.WithLabelValues(p.state).Dec()
	if state != "" {
		metrics.PipelinesActive.WithLabelValues(state).Inc()
	}
	p.state = state
}

func (p *sessionPipeline) onThumbnail(th transcode.Thumbnail) {
	if !p.live() {
		return
	}
	p.out.SetStill(packager.Still{ContentType: th.ContentType, Data: th.Data, TakenAt: th.TakenAt})
}
