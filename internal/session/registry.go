// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/google/uuid"
)

var (
	// ErrTerminated is the cancellation cause of every ended session.
	ErrTerminated = errors.New("session terminated")
	// ErrNoStandby is returned by Failover when the key has no standby.
	ErrNoStandby = errors.New("no standby session")
	// ErrNotStandby is returned by Promote for sessions outside the standby slot.
	ErrNotStandby = errors.New("session is not a standby")
	// ErrClosed is returned once the registry shut down.
	ErrClosed = errors.New("session registry closed")
)

// Hooks run inside the key's critical section, so pipeline switching is
// serialized with the transition that caused it. Hooks must not call back
// into the registry for the same key.
type Hooks struct {
	// OnActivate fires when a session becomes the delivery source of an idle key.
	OnActivate func(s *Session)
	// OnPromote fires when next replaces old as the delivery source. old is
	// ended right after the hook returns.
	OnPromote func(old, next *Session)
	// OnTerminate fires for every ended session.
	OnTerminate func(s *Session, reason media.ReasonCode)
}

// Options configure a Registry.
type Options struct {
	HealthTimeout time.Duration
	SweepInterval time.Duration
	Clock         resilience.Clock
	Emitter       *events.Emitter
	Hooks         Hooks
	NewID         func() string
}

type keyEntry struct {
	mu      sync.Mutex
	fsm     *Machine[KeyState, KeyEvent]
	active  *Session
	standby *Session
}

// Registry is the process-scoped session registry. Transitions for one key
// are serialized by that key's mutex; different keys never contend.
type Registry struct {
	opts Options

	keysMu sync.RWMutex
	keys   map[string]*keyEntry

	sessMu   sync.RWMutex
	sessions map[string]*Session

	closed atomic.Bool
}

func NewRegistry(opts Options) *Registry {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = resilience.RealClock
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		opts:     opts,
		keys:     make(map[string]*keyEntry),
		sessions: make(map[string]*Session),
	}
}

// SetHooks replaces the hooks. It must be called before the first Register.
func (r *Registry) SetHooks(h Hooks) { r.opts.Hooks = h }

// HealthTimeout is the configured frame silence limit.
func (r *Registry) HealthTimeout() time.Duration { return r.opts.HealthTimeout }

func (r *Registry) entry(channelID string) *keyEntry {
	r.keysMu.RLock()
	e := r.keys[channelID]
	r.keysMu.RUnlock()
	if e != nil {
		return e
	}
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	if e = r.keys[channelID]; e == nil {
		e = &keyEntry{fsm: newKeyMachine()}
		r.keys[channelID] = e
	}
	return e
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.sessMu.RLock()
	s := r.sessions[id]
	r.sessMu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, media.ErrNotFound)
	}
	return s, nil
}

func (r *Registry) fire(e *keyEntry, channelID string, ev KeyEvent) {
	from := e.fsm.State()
	to, err := e.fsm.Fire(ev)
	if err != nil {
		// The slot bookkeeping below decides which events fire; an invalid
		// transition here means that bookkeeping is broken.
		panic(fmt.Sprintf("session: channel %s: %v", channelID, err))
	}
	if from != to {
		metrics.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		logger := log.WithComponent("session")
		logger.Debug().
			Str(log.FieldEvent, "session.key_transition").
			Str(log.FieldChannelID, channelID).
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Msg("key state changed")
	}
}

// Register admits a publisher for channelID. A primary is rejected with
// media.ErrKeyInUse while another primary holds the key, likewise a backup
// while another backup does. A backup alongside a primary becomes the
// standby; a publisher on an idle key becomes the active source.
func (r *Registry) Register(channelID string, meta Meta) (*Session, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if meta.Role == "" {
		meta.Role = RolePrimary
	}
	meta.ChannelID = channelID

	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if held := e.holder(meta.Role); held != nil {
		logger := log.WithComponent("session")
		logger.Warn().
			Str(log.FieldEvent, "session.rejected").
			Str(log.FieldChannelID, channelID).
			Str(log.FieldRole, string(meta.Role)).
			Str(log.FieldProtocol, string(meta.Protocol)).
			Str("holder", held.ID).
			Msg("publish rejected, key in use")
		return nil, fmt.Errorf("channel %s %s: %w", channelID, meta.Role, media.ErrKeyInUse)
	}

	s := newSession(r.opts.NewID(), meta, r.opts.Clock.Now())
	if e.active == nil {
		ev := EventActivatePrimary
		if meta.Role == RoleBackup {
			ev = EventActivateBackup
		}
		r.fire(e, channelID, ev)
		e.active = s
		s.setSlot(SlotActive)
	} else {
		r.fire(e, channelID, EventStandby)
		e.standby = s
		s.setSlot(SlotStandby)
	}

	r.sessMu.Lock()
	r.sessions[s.ID] = s
	r.sessMu.Unlock()

	metrics.SessionsActive.WithLabelValues(string(s.Role)).Inc()
	logger := log.WithComponent("session")
	logger.Info().
		Str(log.FieldEvent, "session.registered").
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldChannelID, channelID).
		Str(log.FieldRole, string(s.Role)).
		Str(log.FieldProtocol, string(s.Protocol)).
		Str("slot", string(s.slot)).
		Msg("session registered")
	r.opts.Emitter.Emit(events.Event{
		Type:      events.SessionConnected,
		ChannelID: channelID,
		SessionID: s.ID,
		Protocol:  s.Protocol,
		Detail:    string(s.Role),
		At:        s.StartedAt,
	})

	if s.slot == SlotActive && r.opts.Hooks.OnActivate != nil {
		r.opts.Hooks.OnActivate(s)
	}
	return s, nil
}

func (e *keyEntry) holder(role Role) *Session {
	if e.active != nil && e.active.Role == role {
		return e.active
	}
	if e.standby != nil && e.standby.Role == role {
		return e.standby
	}
	return nil
}

// Promote makes the standby session id the delivery source. The previous
// active session ends with ReasonFailover.
func (r *Registry) Promote(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	e := r.entry(s.ChannelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.standby != s {
		return fmt.Errorf("session %s: %w", id, ErrNotStandby)
	}
	r.promoteLocked(e, s.ChannelID, media.ReasonFailover, "operator")
	return nil
}

// Failover promotes the channel's standby.
func (r *Registry) Failover(channelID string) error {
	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.standby == nil {
		return fmt.Errorf("channel %s: %w", channelID, ErrNoStandby)
	}
	r.promoteLocked(e, channelID, media.ReasonFailover, "operator")
	return nil
}

// Terminate ends a session. Terminating the active session promotes the
// standby when one exists. Terminating an ended session is a no-op.
func (r *Registry) Terminate(id string, reason media.ReasonCode) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	e := r.entry(s.ChannelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.terminateLocked(e, s, reason)
	return nil
}

func (r *Registry) terminateLocked(e *keyEntry, s *Session, reason media.ReasonCode) {
	switch s {
	case e.active:
		if e.standby != nil {
			r.promoteLocked(e, s.ChannelID, reason, string(reason))
			return
		}
		r.fire(e, s.ChannelID, EventEnd)
		e.active = nil
	case e.standby:
		e.standby = nil
	default:
		return
	}
	r.endLocked(s, reason)
}

func (r *Registry) promoteLocked(e *keyEntry, channelID string, reason media.ReasonCode, trigger string) {
	old, next := e.active, e.standby
	ev := EventPromoteBackup
	if next.Role == RolePrimary {
		ev = EventPromotePrimary
	}
	r.fire(e, channelID, ev)
	e.active, e.standby = next, nil
	next.setSlot(SlotActive)

	metrics.FailoversTotal.WithLabelValues(trigger).Inc()
	logger := log.WithComponent("session")
	logger.Warn().
		Str(log.FieldEvent, "session.failover").
		Str(log.FieldChannelID, channelID).
		Str(log.FieldSessionID, next.ID).
		Str("previous_session_id", old.ID).
		Str(log.FieldReason, string(reason)).
		Msg("standby promoted")
	r.opts.Emitter.Emit(events.Event{
		Type:      events.Failover,
		ChannelID: channelID,
		SessionID: next.ID,
		Protocol:  next.Protocol,
		Reason:    reason,
		Detail:    "promoted over " + old.ID,
		At:        r.opts.Clock.Now(),
	})
	if r.opts.Hooks.OnPromote != nil {
		r.opts.Hooks.OnPromote(old, next)
	}
	r.endLocked(old, reason)
}

func (r *Registry) endLocked(s *Session, reason media.ReasonCode) {
	now := r.opts.Clock.Now()
	s.setSlot(SlotEnded)
	s.endedAt = now
	s.reason = reason

	cause := fmt.Errorf("%w: %s", ErrTerminated, reason)
	if reason == media.ReasonHealthTimeout {
		cause = fmt.Errorf("%w: %w", ErrTerminated, media.ErrHealthTimeout)
	}
	s.cancel(cause)

	r.sessMu.Lock()
	delete(r.sessions, s.ID)
	r.sessMu.Unlock()

	metrics.SessionsActive.WithLabelValues(string(s.Role)).Dec()
	metrics.SessionTerminationsTotal.WithLabelValues(string(reason)).Inc()
	logger := log.WithComponent("session")
	logger.Info().
		Str(log.FieldEvent, "session.terminated").
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldChannelID, s.ChannelID).
		Str(log.FieldRole, string(s.Role)).
		Str(log.FieldReason, string(reason)).
		Uint64("frames", s.Frames()).
		Msg("session terminated")
	r.opts.Emitter.Emit(events.Event{
		Type:      events.SessionDisconnected,
		ChannelID: s.ChannelID,
		SessionID: s.ID,
		Protocol:  s.Protocol,
		Reason:    reason,
		Detail:    string(s.Role),
		At:        now,
	})
	if r.opts.Hooks.OnTerminate != nil {
		r.opts.Hooks.OnTerminate(s, reason)
	}
}

// Touch records a frame arrival for session id.
func (r *Registry) Touch(id string, t time.Time) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.Touch(t)
	return nil
}

// Sweep applies the health timeout at now. A silent active session is
// replaced by a live standby when one exists, otherwise it ends with
// ReasonHealthTimeout. Silent standbys end as well.
func (r *Registry) Sweep(now time.Time) {
	stale := func(s *Session) bool {
		return s != nil && now.Sub(s.LastFrame()) > r.opts.HealthTimeout
	}

	r.keysMu.RLock()
	entries := make([]*keyEntry, 0, len(r.keys))
	for _, e := range r.keys {
		entries = append(entries, e)
	}
	r.keysMu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if stale(e.standby) {
			r.terminateLocked(e, e.standby, media.ReasonHealthTimeout)
		}
		if stale(e.active) {
			r.terminateLocked(e, e.active, media.ReasonHealthTimeout)
		}
		e.mu.Unlock()
	}
}

// Run drives Sweep until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(r.opts.Clock.Now())
		}
	}
}

// State reports the key state of channelID.
func (r *Registry) State(channelID string) KeyState {
	r.keysMu.RLock()
	e := r.keys[channelID]
	r.keysMu.RUnlock()
	if e == nil {
		return StateIdle
	}
	return e.fsm.State()
}

// Active returns the delivery source of channelID, or nil.
func (r *Registry) Active(channelID string) *Session {
	r.keysMu.RLock()
	e := r.keys[channelID]
	r.keysMu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Get returns a live session view.
func (r *Registry) Get(id string) (Info, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	e := r.entry(s.ChannelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.info(), nil
}

// List returns every live session ordered by channel, active first.
func (r *Registry) List() []Info {
	r.keysMu.RLock()
	entries := make([]*keyEntry, 0, len(r.keys))
	for _, e := range r.keys {
		entries = append(entries, e)
	}
	r.keysMu.RUnlock()

	var out []Info
	for _, e := range entries {
		e.mu.Lock()
		if e.active != nil {
			out = append(out, e.active.info())
		}
		if e.standby != nil {
			out = append(out, e.standby.info())
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Slot == SlotActive && out[j].Slot != SlotActive
	})
	return out
}

// Close rejects further registrations and ends every session with
// ReasonShutdown.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.keysMu.RLock()
	entries := make([]*keyEntry, 0, len(r.keys))
	for _, e := range r.keys {
		entries = append(entries, e)
	}
	r.keysMu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.standby != nil {
			r.terminateLocked(e, e.standby, media.ReasonShutdown)
		}
		if e.active != nil {
			r.terminateLocked(e, e.active, media.ReasonShutdown)
		}
		e.mu.Unlock()
	}
}
