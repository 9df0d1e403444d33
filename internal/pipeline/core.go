// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pipeline wires accepted publishers to delivery: every session gets
// its own queue, transcode run and rendition gates, and every channel a
// packager output that outlives sessions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/catalog"
	"github.com/ManuGH/xglive/internal/drm"
	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/ingest"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/ManuGH/xglive/internal/transcode"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("pipeline core closed")

// Options configure a Core.
type Options struct {
	Catalog  catalog.Source
	Registry *session.Registry
	Store    store.Store
	Keys     drm.KeyProvider
	Emitter  *events.Emitter
	Clock    resilience.Clock

	// Transcode is the engine template; the segment target comes from the
	// channel.
	Transcode transcode.Options
	Packager  packager.Options

	QueueSize               int
	DrainTimeout            time.Duration
	DiscontinuityOnFailover bool

	// OnChannelEnded runs after a channel's output was ended, e.g. to
	// archive the window. It must not block.
	OnChannelEnded func(out *packager.Output)
}

// Core implements ingest.Sink. It owns the session pipelines and the
// per-channel outputs read by the delivery gateway.
type Core struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	outputs map[string]*packager.Output
	pipes   map[string]*sessionPipeline
	pending map[string]resume
	closed  bool
}

var _ ingest.Sink = (*Core)(nil)

// NewCore installs the registry hooks; the registry must not be shared with
// another Core.
func NewCore(opts Options) (*Core, error) {
	if opts.Catalog == nil || opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("pipeline: catalog, registry and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = resilience.RealClock
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 512
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.Packager.Emitter == nil {
		opts.Packager.Emitter = opts.Emitter
	}
	if opts.Packager.Now == nil {
		opts.Packager.Now = opts.Clock.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		outputs: make(map[string]*packager.Output),
		pipes:   make(map[string]*sessionPipeline),
		pending: make(map[string]resume),
	}
	opts.Registry.SetHooks(session.Hooks{
		OnActivate:  c.onActivate,
		OnPromote:   c.onPromote,
		OnTerminate: c.onTerminate,
	})
	return c, nil
}

// Open authenticates the stream key, registers the session and starts its
// pipeline. A standby session's pipeline runs hot but delivers nothing until
// promoted.
func (c *Core) Open(ctx context.Context, req ingest.PublishRequest) (ingest.Publication, error) {
	ch, err := c.opts.Catalog.LookupByKey(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup stream key: %w", err)
	}
	out, err := c.output(ch)
	if err != nil {
		return nil, err
	}

	role := session.RolePrimary
	if req.Backup {
		role = session.RoleBackup
	}
	s, err := c.opts.Registry.Register(ch.ID, session.Meta{
		Protocol:   req.Protocol,
		Role:       role,
		RemoteAddr: req.RemoteAddr,
		Source:     req.Source,
	})
	if err != nil {
		return nil, err
	}

	p, err := c.startPipeline(s, out)
	if err != nil {
		_ = c.opts.Registry.Terminate(s.ID, media.ReasonInternal)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	c.mu.Lock()
	c.pipes[s.ID] = p
	from, activated := c.pending[s.ID]
	delete(c.pending, s.ID)
	if activated {
		p.goLive(from)
	}
	c.mu.Unlock()

	// Ended between registration and now, e.g. by a concurrent sweep.
	if s.Slot() == session.SlotEnded {
		c.onTerminate(s, media.ReasonInternal)
	}
	return p, nil
}

// output returns the channel's output, creating it on first publish.
func (c *Core) output(ch media.Channel) (*packager.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if out, ok := c.outputs[ch.ID]; ok {
		return out, nil
	}
	out, err := packager.NewOutput(ch, ch.Ladder, c.opts.Store, c.opts.Keys, c.opts.Packager)
	if err != nil {
		return nil, err
	}
	c.outputs[ch.ID] = out
	return out, nil
}

// Output returns the packaging state of a channel that has published at
// least once.
func (c *Core) Output(channelID string) (*packager.Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[channelID]
	return out, ok
}

func (c *Core) pipe(id string) *sessionPipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipes[id]
}

// activate makes a session's pipeline deliver, or records the request until
// Open has built the pipeline.
func (c *Core) activate(s *session.Session, from resume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.pipes[s.ID]; p != nil {
		p.goLive(from)
		return
	}
	c.pending[s.ID] = from
}

func (c *Core) onActivate(s *session.Session) {
	out, ok := c.Output(s.ChannelID)
	if !ok {
		return
	}
	out.Restart(packager.CauseRestart)
	c.activate(s, resume{})
}

// onPromote drains the old source so its last frames are packaged, marks the
// switch and lets the standby replay its retained output from where the old
// source stopped.
func (c *Core) onPromote(old, next *session.Session) {
	out, ok := c.Output(next.ChannelID)
	if !ok {
		return
	}
	var from resume
	if p := c.pipe(old.ID); p != nil {
		p.drain()
		from = p.stop()
	}
	if err := out.Flush(c.ctx); err != nil {
		logger := log.WithComponent("pipeline")
		logger.Warn().Err(err).Str(log.FieldChannelID, next.ChannelID).Msg("flush before failover")
	}
	if c.opts.DiscontinuityOnFailover {
		out.Restart(packager.CauseFailover)
	}
	c.activate(next, from)
}

func (c *Core) onTerminate(s *session.Session, reason media.ReasonCode) {
	c.mu.Lock()
	p := c.pipes[s.ID]
	delete(c.pipes, s.ID)
	delete(c.pending, s.ID)
	c.mu.Unlock()
	if p == nil {
		return
	}
	wasLive := p.live()
	p.drain()
	p.stop()
	if !wasLive {
		return
	}
	logger := log.WithComponent("pipeline")
	if err := p.out.End(c.ctx); err != nil {
		logger.Warn().Err(err).Str(log.FieldChannelID, s.ChannelID).Msg("end channel output")
	}
	logger.Info().
		Str(log.FieldEvent, "pipeline.channel_ended").
		Str(log.FieldChannelID, s.ChannelID).
		Str(log.FieldReason, string(reason)).
		Msg("channel went idle")
	if c.opts.OnChannelEnded != nil {
		c.opts.OnChannelEnded(p.out)
	}
}

// Close ends every session, waits for the pipelines to drain and stops
// accepting publishers. The registry is closed as part of it.
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.opts.Registry.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
