// Package session owns ingest session lifecycles: registration per stream
// key, standby promotion and the health watchdog.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Role is the publisher's declared role for a stream key.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Slot is the session's position inside its key.
type Slot string

const (
	SlotActive  Slot = "active"
	SlotStandby Slot = "standby"
	SlotEnded   Slot = "ended"
)

// Meta describes a publish attempt after authentication.
type Meta struct {
	ChannelID  string
	Protocol   media.Protocol
	Role       Role
	RemoteAddr string
	Source     media.SourceInfo
}

// Session is one publisher connection. Identity fields are immutable;
// runtime fields are safe for concurrent use.
type Session struct {
	ID         string
	ChannelID  string
	Protocol   media.Protocol
	Role       Role
	RemoteAddr string
	Source     media.SourceInfo
	StartedAt  time.Time

	lastFrame atomic.Int64 // unix nanos
	frames    atomic.Uint64

	// guarded by the key lock
	slot    Slot
	endedAt time.Time
	reason  media.ReasonCode

	slotView atomic.Value // Slot

	ctx       context.Context
	cancel    context.CancelCauseFunc
	activated chan struct{}
	actOnce   sync.Once
}

func newSession(id string, m Meta, now time.Time) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		ID:         id,
		ChannelID:  m.ChannelID,
		Protocol:   m.Protocol,
		Role:       m.Role,
		RemoteAddr: m.RemoteAddr,
		Source:     m.Source,
		StartedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		activated:  make(chan struct{}),
	}
	s.lastFrame.Store(now.UnixNano())
	return s
}

// Touch records frame arrival at t. Called from the demux hot path; it takes
// no locks.
func (s *Session) Touch(t time.Time) {
	s.lastFrame.Store(t.UnixNano())
	s.frames.Add(1)
}

// LastFrame is the arrival time of the most recent frame, or the session
// start when none arrived yet.
func (s *Session) LastFrame() time.Time {
	return time.Unix(0, s.lastFrame.Load())
}

// Frames counts frames touched so far.
func (s *Session) Frames() uint64 { return s.frames.Load() }

// Slot reports the session's current position.
func (s *Session) Slot() Slot {
	if v, ok := s.slotView.Load().(Slot); ok {
		return v
	}
	return ""
}

// Context is cancelled with the termination cause when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Activated is closed once the session becomes the key's delivery source.
func (s *Session) Activated() <-chan struct{} { return s.activated }

// IsActive reports whether the session currently feeds delivery.
func (s *Session) IsActive() bool { return s.Slot() == SlotActive }

func (s *Session) setSlot(slot Slot) {
	s.slot = slot
	s.slotView.Store(slot)
	if slot == SlotActive {
		s.actOnce.Do(func() { close(s.activated) })
	}
}

// Info is a read-only view used by the admin API and journal.
type Info struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channelId"`
	Protocol    media.Protocol   `json:"protocol"`
	Role        Role             `json:"role"`
	Slot        Slot             `json:"slot"`
	RemoteAddr  string           `json:"remoteAddr,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	LastFrameAt *time.Time       `json:"lastFrameAt,omitempty"`
	Frames      uint64           `json:"frames"`
	EndedAt     *time.Time       `json:"endedAt,omitempty"`
	Reason      media.ReasonCode `json:"reason,omitempty"`
}

func (s *Session) info() Info {
	in := Info{
		ID:         s.ID,
		ChannelID:  s.ChannelID,
		Protocol:   s.Protocol,
		Role:       s.Role,
		Slot:       s.slot,
		RemoteAddr: s.RemoteAddr,
		StartedAt:  s.StartedAt,
		Frames:     s.Frames(),
		Reason:     s.reason,
	}
	if in.Frames > 0 {
		t := s.LastFrame().UTC()
		in.LastFrameAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		in.EndedAt = &t
	}
	return in
}
