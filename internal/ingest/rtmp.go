// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/rtmp"
)

// parsePublishPath extracts the stream key and backup flag from an RTMP
// publish URL: /live/<streamKey>[?backup=1].
func parsePublishPath(u *url.URL) (media.StreamKey, bool, error) {
	if u == nil {
		return "", false, fmt.Errorf("%w: missing publish url", media.ErrProtocolViolation)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "live" || parts[1] == "" {
		return "", false, fmt.Errorf("%w: publish path %q, want /live/<key>", media.ErrProtocolViolation, u.Path)
	}
	backup, _ := strconv.ParseBool(u.Query().Get("backup"))
	return media.StreamKey(parts[1]), backup, nil
}

type rtmpAdapter struct {
	conn     *rtmp.Conn
	streams  []av.CodecData
	counters transportCounters
	once     sync.Once
}

func newRTMPAdapter(conn *rtmp.Conn) *rtmpAdapter {
	return &rtmpAdapter{conn: conn}
}

func (a *rtmpAdapter) Protocol() media.Protocol { return media.ProtocolRTMP }

func (a *rtmpAdapter) RemoteAddr() string {
	if nc := a.conn.NetConn(); nc != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}

func (a *rtmpAdapter) Handshake(ctx context.Context) (Handshake, error) {
	key, backup, err := parsePublishPath(a.conn.URL)
	if err != nil {
		return Handshake{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = a.conn.NetConn().SetReadDeadline(dl)
		defer func() { _ = a.conn.NetConn().SetReadDeadline(time.Time{}) }()
	}
	streams, err := a.conn.Streams()
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: read stream headers: %w", media.ErrProtocolViolation, err)
	}
	a.streams = streams
	return Handshake{Key: key, Backup: backup, Source: sourceInfo(streams)}, nil
}

func (a *rtmpAdapter) Demux(ctx context.Context, push func(media.Frame) error) error {
	return demuxPackets(ctx, a.conn, a.streams, &a.counters, push)
}

func (a *rtmpAdapter) HealthSignal() TransportStats { return a.counters.stats() }

func (a *rtmpAdapter) Close() error {
	var err error
	a.once.Do(func() { err = a.conn.Close() })
	return err
}

// RTMPListener serves RTMP publishers with joy4's server. joy4 owns the TCP
// listener and offers no way to close it, so Stop gates new publishes and
// ends open connections while the port stays bound.
type RTMPListener struct {
	addr     string
	acceptor *Acceptor
	sem      chan struct{}
	conns    connSet

	mu      sync.Mutex
	started bool
	ctx     context.Context
	enabled atomic.Bool
}

func NewRTMPListener(addr string, maxConns int, acc *Acceptor) *RTMPListener {
	if maxConns <= 0 {
		maxConns = 256
	}
	return &RTMPListener{addr: addr, acceptor: acc, sem: make(chan struct{}, maxConns)}
}

func (l *RTMPListener) Protocol() media.Protocol { return media.ProtocolRTMP }

func (l *RTMPListener) Running() bool { return l.enabled.Load() }

func (l *RTMPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled.Load() {
		return nil
	}
	l.ctx = ctx
	if !l.started {
		srv := &rtmp.Server{Addr: l.addr, HandlePublish: l.handlePublish}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case err := <-errc:
			return fmt.Errorf("rtmp listen %s: %w", l.addr, err)
		case <-time.After(50 * time.Millisecond):
		}
		go func() {
			if err := <-errc; err != nil {
				logger := log.WithComponent("ingest")
				logger.Error().Err(err).
					Str(log.FieldEvent, "ingest.rtmp_server_failed").
					Msg("rtmp server stopped")
				l.enabled.Store(false)
			}
		}()
		l.started = true
	}
	l.enabled.Store(true)
	return nil
}

func (l *RTMPListener) Stop() error {
	l.enabled.Store(false)
	l.conns.closeAll()
	return nil
}

func (l *RTMPListener) handlePublish(conn *rtmp.Conn) {
	if !l.enabled.Load() {
		_ = conn.Close()
		return
	}
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	default:
		logger := log.WithComponent("ingest")
		logger.Warn().
			Str(log.FieldEvent, "ingest.connection_limit").
			Str(log.FieldProtocol, string(media.ProtocolRTMP)).
			Msg("connection limit reached, rejecting publisher")
		_ = conn.Close()
		return
	}
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	serveTracked(ctx, l.acceptor, &l.conns, newRTMPAdapter(conn))
}
