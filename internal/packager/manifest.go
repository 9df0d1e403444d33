// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package packager seals encoded frames into segments, keeps each
// rendition's manifest window and renders HLS and DASH manifests.
package packager

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Entry is one advertised segment reference.
type Entry struct {
	Sequence      uint64        `json:"seq"`
	Duration      time.Duration `json:"duration"`
	PTS           time.Duration `json:"pts"`
	Discontinuity bool          `json:"discontinuity,omitempty"`
	KeyID         string        `json:"keyId,omitempty"`
	KeyURI        string        `json:"keyUri,omitempty"`
	Size          int           `json:"size"`
	SealedAt      time.Time     `json:"sealedAt"`
}

// Snapshot is an immutable view of a manifest. Readers load it once and
// render from it; writers publish a fresh copy.
type Snapshot struct {
	Rendition media.RenditionID
	Spec      media.RenditionSpec
	Target    time.Duration
	StartedAt time.Time
	Entries   []Entry
	Ended     bool
	Degraded  bool
	Version   uint64
}

// Empty reports whether no segment is advertised.
func (s *Snapshot) Empty() bool { return s == nil || len(s.Entries) == 0 }

// Available reports whether the rendition belongs in a master manifest.
func (s *Snapshot) Available() bool { return !s.Empty() && !s.Degraded }

// MediaSequence is the sequence number of the oldest advertised segment.
func (s *Snapshot) MediaSequence() uint64 {
	if s.Empty() {
		return 0
	}
	return s.Entries[0].Sequence
}

// LiveEdge is the sequence number of the newest advertised segment.
func (s *Snapshot) LiveEdge() (uint64, bool) {
	if s.Empty() {
		return 0, false
	}
	return s.Entries[len(s.Entries)-1].Sequence, true
}

// Has reports whether seq is inside the advertised window.
func (s *Snapshot) Has(seq uint64) bool {
	if s.Empty() {
		return false
	}
	edge, _ := s.LiveEdge()
	return seq >= s.MediaSequence() && seq <= edge
}

// WindowSegments is the number of segments a DVR window retains:
// ceil(dvr / target), at least one.
func WindowSegments(dvr, target time.Duration) int {
	if target <= 0 {
		return 1
	}
	n := int((dvr + target - 1) / target)
	if n < 1 {
		n = 1
	}
	return n
}

// Manifest is the advertised segment list of one rendition.
type Manifest struct {
	mu     sync.Mutex
	cur    atomic.Pointer[Snapshot]
	window int
}

func NewManifest(rid media.RenditionID, spec media.RenditionSpec, target time.Duration, window int, started time.Time) *Manifest {
	if window < 1 {
		window = 1
	}
	m := &Manifest{window: window}
	m.cur.Store(&Snapshot{Rendition: rid, Spec: spec, Target: target, StartedAt: started})
	return m
}

// Snapshot returns the current view. It never blocks on writers.
func (m *Manifest) Snapshot() *Snapshot { return m.cur.Load() }

// Window is the retained segment count.
func (m *Manifest) Window() int { return m.window }

func (m *Manifest) update(fn func(*Snapshot)) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.cur.Load()
	next.Entries = slices.Clone(next.Entries)
	fn(&next)
	next.Version++
	m.cur.Store(&next)
	return &next
}

// Append publishes e and trims the window. It returns the number of entries
// dropped from the front.
func (m *Manifest) Append(e Entry) int {
	trimmed := 0
	m.update(func(s *Snapshot) {
		s.Entries = append(s.Entries, e)
		if over := len(s.Entries) - m.window; over > 0 {
			s.Entries = slices.Delete(s.Entries, 0, over)
			trimmed = over
		}
	})
	return trimmed
}

// SetDegraded toggles ladder exclusion.
func (m *Manifest) SetDegraded(v bool) {
	if m.Snapshot().Degraded == v {
		return
	}
	m.update(func(s *Snapshot) { s.Degraded = v })
}

// End marks the stream finished; HLS renders #EXT-X-ENDLIST.
func (m *Manifest) End() { m.update(func(s *Snapshot) { s.Ended = true }) }

// Reopen clears the ended flag for a new publish on the same channel.
func (m *Manifest) Reopen() {
	if !m.Snapshot().Ended {
		return
	}
	m.update(func(s *Snapshot) { s.Ended = false })
}
