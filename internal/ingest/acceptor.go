// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
)

const defaultHandshakeTimeout = 10 * time.Second

// Acceptor runs the protocol-independent part of a publish: handshake,
// authentication and registration through the Sink, then the demux loop.
type Acceptor struct {
	sink             Sink
	monitor          config.MonitorConfig
	handshakeTimeout time.Duration
	now              func() time.Time
}

// AcceptorOption customizes an Acceptor.
type AcceptorOption func(*Acceptor)

// WithHandshakeTimeout bounds protocol negotiation.
func WithHandshakeTimeout(d time.Duration) AcceptorOption {
	return func(a *Acceptor) { a.handshakeTimeout = d }
}

// WithNow injects the clock used for frame arrival times.
func WithNow(now func() time.Time) AcceptorOption {
	return func(a *Acceptor) { a.now = now }
}

func NewAcceptor(sink Sink, monitor config.MonitorConfig, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		sink:             sink,
		monitor:          monitor,
		handshakeTimeout: defaultHandshakeTimeout,
		now:              time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Ingest is an accepted connection bound to its registered session.
type Ingest struct {
	adapter Adapter
	pub     Publication
	monitor *Monitor
	now     func() time.Time
	order   dtsOrder
}

// dtsOrder rejects decode timestamps that go backwards within a track.
type dtsOrder struct {
	video, audio         time.Duration
	seenVideo, seenAudio bool
}

func (o *dtsOrder) check(f media.Frame) error {
	var last *time.Duration
	var seen *bool
	switch {
	case f.IsVideo():
		last, seen = &o.video, &o.seenVideo
	case f.Type == media.FrameAudio:
		last, seen = &o.audio, &o.seenAudio
	default:
		return nil
	}
	if *seen && f.DTS < *last {
		return fmt.Errorf("%w: %s dts %v after %v", media.ErrProtocolViolation, f.Type, f.DTS, *last)
	}
	*last, *seen = f.DTS, true
	return nil
}

// ID is the registered session id.
func (in *Ingest) ID() string { return in.pub.ID() }

func acceptResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, media.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, media.ErrKeyInUse):
		return "key_in_use"
	case errors.Is(err, media.ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "error"
	}
}

// Accept performs the handshake and registers the publisher. Errors wrap
// media.ErrAuthFailed, media.ErrKeyInUse or media.ErrProtocolViolation.
func (a *Acceptor) Accept(ctx context.Context, ad Adapter) (*Ingest, error) {
	proto := ad.Protocol()
	logger := log.WithComponent("ingest").With().
		Str(log.FieldProtocol, string(proto)).
		Str(log.FieldRemoteAddr, ad.RemoteAddr()).
		Logger()

	hctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	hs, err := ad.Handshake(hctx)
	cancel()
	if err == nil && hs.Key == "" {
		err = errors.New("empty stream key")
	}
	if err != nil {
		if !errors.Is(err, media.ErrProtocolViolation) {
			err = fmt.Errorf("%w: handshake: %w", media.ErrProtocolViolation, err)
		}
		metrics.IngestAcceptTotal.WithLabelValues(string(proto), acceptResult(err)).Inc()
		logger.Warn().Err(err).Str(log.FieldEvent, "ingest.handshake_failed").Msg("handshake failed")
		return nil, err
	}

	pub, err := a.sink.Open(ctx, PublishRequest{
		Protocol:   proto,
		Key:        hs.Key,
		Backup:     hs.Backup,
		RemoteAddr: ad.RemoteAddr(),
		Source:     hs.Source,
	})
	metrics.IngestAcceptTotal.WithLabelValues(string(proto), acceptResult(err)).Inc()
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "ingest.rejected").
			Str("stream_key", hs.Key.Redacted()).
			Bool("backup", hs.Backup).
			Msg("publish rejected")
		return nil, err
	}

	logger.Info().
		Str(log.FieldEvent, "ingest.accepted").
		Str(log.FieldSessionID, pub.ID()).
		Bool("backup", hs.Backup).
		Str(log.FieldCodec, hs.Source.VideoCodec).
		Msg("publish accepted")
	return &Ingest{
		adapter: ad,
		pub:     pub,
		monitor: NewMonitor(a.monitor, proto, hs.Source, a.now()),
		now:     a.now,
	}, nil
}

// Run demuxes until the stream ends, the connection fails, the session is
// ended by the registry, or ctx is done. The session is closed with the
// matching reason before Run returns.
func (in *Ingest) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	proto := string(in.adapter.Protocol())
	logger := log.WithComponent("ingest").With().
		Str(log.FieldProtocol, proto).
		Str(log.FieldSessionID, in.pub.ID()).
		Logger()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-in.pub.Done():
			// registry decision: stop reading from the publisher
			_ = in.adapter.Close()
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer wg.Done()
		t := time.NewTicker(in.monitor.Interval())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, a := range in.monitor.Check(in.now(), in.adapter.HealthSignal()) {
					in.pub.Signal(a)
				}
			}
		}
	}()

	err := in.adapter.Demux(ctx, func(f media.Frame) error {
		if err := in.order.check(f); err != nil {
			return err
		}
		f.SessionID = in.pub.ID()
		in.monitor.Observe(f, in.now())
		metrics.IngestFramesTotal.WithLabelValues(proto, f.Type.String()).Inc()
		return in.pub.Push(ctx, f)
	})

	var reason media.ReasonCode
	select {
	case <-in.pub.Done():
		err = nil
	default:
		switch {
		case ctx.Err() != nil:
			reason = media.ReasonShutdown
			err = nil
		default:
			reason = media.ReasonFor(err)
		}
		in.pub.Close(reason)
	}
	cancel()
	_ = in.adapter.Close()
	wg.Wait()

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str(log.FieldEvent, "ingest.ended").Str(log.FieldReason, string(reason)).Msg("publish ended")
	return err
}

// Serve accepts ad and runs it to completion. The adapter is always closed.
func (a *Acceptor) Serve(ctx context.Context, ad Adapter) error {
	proto := string(ad.Protocol())
	metrics.IngestConnections.WithLabelValues(proto).Inc()
	defer metrics.IngestConnections.WithLabelValues(proto).Dec()
	defer func() { _ = ad.Close() }()

	in, err := a.Accept(ctx, ad)
	if err != nil {
		return err
	}
	return in.Run(ctx)
}
