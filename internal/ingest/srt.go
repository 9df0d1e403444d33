package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	srt "github.com/datarhei/gosrt"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/ts"
)

// parseStreamID reads "<streamKey>[:backup]".
func parseStreamID(id string) (media.StreamKey, bool, error) {
	key, flag, _ := strings.Cut(strings.TrimSpace(id), ":")
	if key == "" {
		return "", false, fmt.Errorf("%w: empty srt streamid", media.ErrProtocolViolation)
	}
	switch flag {
	case "":
		return media.StreamKey(key), false, nil
	case "backup":
		return media.StreamKey(key), true, nil
	default:
		return "", false, fmt.Errorf("%w: srt streamid flag %q", media.ErrProtocolViolation, flag)
	}
}

type srtAdapter struct {
	conn     srt.Conn
	demuxer  *ts.Demuxer
	streams  []av.CodecData
	counters transportCounters
	once     sync.Once
}

func (a *srtAdapter) Protocol() media.Protocol { return media.ProtocolSRT }

func (a *srtAdapter) RemoteAddr() string { return a.conn.RemoteAddr().String() }

func (a *srtAdapter) Handshake(ctx context.Context) (Handshake, error) {
	key, backup, err := parseStreamID(a.conn.StreamId())
	if err != nil {
		return Handshake{}, err
	}
	a.demuxer = ts.NewDemuxer(a.conn)

	type result struct {
		streams []av.CodecData
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := a.demuxer.Streams()
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return Handshake{}, fmt.Errorf("%w: read transport stream headers: %w", media.ErrProtocolViolation, r.err)
		}
		a.streams = r.streams
	case <-ctx.Done():
		_ = a.Close()
		return Handshake{}, fmt.Errorf("%w: waiting for stream headers: %w", media.ErrProtocolViolation, ctx.Err())
	}
	return Handshake{Key: key, Backup: backup, Source: sourceInfo(a.streams)}, nil
}

func (a *srtAdapter) Demux(ctx context.Context, push func(media.Frame) error) error {
	return demuxPackets(ctx, a.demuxer, a.streams, &a.counters, push)
}

// HealthSignal reports SRT's own receive and loss counters.
func (a *srtAdapter) HealthSignal() TransportStats {
	var s srt.Statistics
	a.conn.Stats(&s)
	return TransportStats{
		PacketsReceived: s.Accumulated.PktRecv,
		PacketsLost:     s.Accumulated.PktRecvLoss,
		BytesReceived:   a.counters.bytes.Load(),
	}
}

func (a *srtAdapter) Close() error {
	var err error
	a.once.Do(func() { err = a.conn.Close() })
	return err
}

// SRTListener accepts SRT callers in publish mode.
type SRTListener struct {
	addr     string
	acceptor *Acceptor
	sem      chan struct{}
	conns    connSet

	mu      sync.Mutex
	ln      srt.Listener
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewSRTListener(addr string, maxConns int, acc *Acceptor) *SRTListener {
	if maxConns <= 0 {
		maxConns = 256
	}
	return &SRTListener{addr: addr, acceptor: acc, sem: make(chan struct{}, maxConns)}
}

func (l *SRTListener) Protocol() media.Protocol { return media.ProtocolSRT }

func (l *SRTListener) Running() bool { return l.running.Load() }

func (l *SRTListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := srt.Listen("srt", l.addr, srt.DefaultConfig())
	if err != nil {
		return fmt.Errorf("srt listen %s: %w", l.addr, err)
	}
	l.ln = ln
	l.running.Store(true)
	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)
	return nil
}

func (l *SRTListener) acceptLoop(ctx context.Context, ln srt.Listener) {
	defer l.wg.Done()
	logger := log.WithComponent("ingest").With().Str(log.FieldProtocol, string(media.ProtocolSRT)).Logger()
	for {
		conn, mode, err := ln.Accept(func(req srt.ConnRequest) srt.ConnType {
			if _, _, err := parseStreamID(req.StreamId()); err != nil {
				return srt.REJECT
			}
			return srt.PUBLISH
		})
		if err != nil {
			if !l.running.Load() {
				return
			}
			logger.Warn().Err(err).Str(log.FieldEvent, "ingest.accept_failed").Msg("srt accept failed")
			continue
		}
		if conn == nil || mode != srt.PUBLISH {
			continue
		}
		select {
		case l.sem <- struct{}{}:
		default:
			logger.Warn().Str(log.FieldEvent, "ingest.connection_limit").Msg("connection limit reached, rejecting publisher")
			_ = conn.Close()
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			serveTracked(ctx, l.acceptor, &l.conns, &srtAdapter{conn: conn})
		}()
	}
}

func (l *SRTListener) Stop() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	l.running.Store(false)
	ln.Close()
	l.conns.closeAll()
	l.wg.Wait()
	return nil
}
