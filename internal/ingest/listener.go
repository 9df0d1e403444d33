package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
)

// ErrUnknownProtocol is returned for protocol tags outside media.Protocols.
var ErrUnknownProtocol = errors.New("unknown ingest protocol")

// Listener accepts connections for one protocol variant. Start and Stop may
// be called repeatedly at runtime.
type Listener interface {
	Protocol() media.Protocol
	Start(ctx context.Context) error
	// Stop stops accepting and ends every open connection of the protocol.
	Stop() error
	Running() bool
}

// connSet tracks open adapters so Stop can end them.
type connSet struct {
	mu    sync.Mutex
	conns map[Adapter]struct{}
}

func (s *connSet) add(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[Adapter]struct{})
	}
	s.conns[a] = struct{}{}
}

func (s *connSet) remove(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, a)
}

func (s *connSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	conns := make([]Adapter, 0, len(s.conns))
	for a := range s.conns {
		conns = append(conns, a)
	}
	s.mu.Unlock()
	for _, a := range conns {
		_ = a.Close()
	}
}

// serveTracked runs acceptor.Serve for a while keeping it in set.
func serveTracked(ctx context.Context, acc *Acceptor, set *connSet, a Adapter) {
	set.add(a)
	defer set.remove(a)
	if err := acc.Serve(ctx, a); err != nil {
		logger := log.WithComponent("ingest")
		logger.Debug().Err(err).
			Str(log.FieldEvent, "ingest.serve_ended").
			Str(log.FieldProtocol, string(a.Protocol())).
			Msg("connection ended with error")
	}
}

// Manager owns the fixed set of protocol listeners.
type Manager struct {
	cfg       config.IngestConfig
	listeners map[media.Protocol]Listener
}

// NewManager builds one listener per protocol variant.
func NewManager(cfg config.IngestConfig, acc *Acceptor) *Manager {
	maxConns := cfg.MaxConnections
	return &Manager{
		cfg: cfg,
		listeners: map[media.Protocol]Listener{
			media.ProtocolRTMP:   NewRTMPListener(cfg.RTMP.Addr, maxConns, acc),
			media.ProtocolSRT:    NewSRTListener(cfg.SRT.Addr, maxConns, acc),
			media.ProtocolWebRTC: NewWHIPListener(cfg.WebRTC.Addr, maxConns, acc),
		},
	}
}

func (m *Manager) listener(p media.Protocol) (Listener, error) {
	l, ok := m.listeners[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, p)
	}
	return l, nil
}

// StartEnabled starts every listener enabled in configuration.
func (m *Manager) StartEnabled(ctx context.Context) error {
	enabled := map[media.Protocol]bool{
		media.ProtocolRTMP:   m.cfg.RTMP.Enabled,
		media.ProtocolSRT:    m.cfg.SRT.Enabled,
		media.ProtocolWebRTC: m.cfg.WebRTC.Enabled,
	}
	for _, p := range media.Protocols {
		if !enabled[p] {
			continue
		}
		if err := m.Start(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, p media.Protocol) error {
	l, err := m.listener(p)
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start %s listener: %w", p, err)
	}
	logger := log.WithComponent("ingest")
	logger.Info().
		Str(log.FieldEvent, "ingest.listener_started").
		Str(log.FieldProtocol, string(p)).
		Msg("listener started")
	return nil
}

func (m *Manager) Stop(p media.Protocol) error {
	l, err := m.listener(p)
	if err != nil {
		return err
	}
	if err := l.Stop(); err != nil {
		return fmt.Errorf("stop %s listener: %w", p, err)
	}
	logger := log.WithComponent("ingest")
	logger.Info().
		Str(log.FieldEvent, "ingest.listener_stopped").
		Str(log.FieldProtocol, string(p)).
		Msg("listener stopped")
	return nil
}

// Status reports which listeners are running.
func (m *Manager) Status() map[media.Protocol]bool {
	out := make(map[media.Protocol]bool, len(m.listeners))
	for p, l := range m.listeners {
		out[p] = l.Running()
	}
	return out
}

// Running lists the running protocols in fixed order.
func (m *Manager) Running() []media.Protocol {
	var out []media.Protocol
	for p, l := range m.listeners {
		if l.Running() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every listener.
func (m *Manager) Close() error {
	var errs []error
	for _, p := range media.Protocols {
		if l := m.listeners[p]; l.Running() {
			errs = append(errs, l.Stop())
		}
	}
	return errors.Join(errs...)
}
