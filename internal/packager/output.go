// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package packager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/drm"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/store"
)

// Still is the latest thumbnail of a channel.
type Still struct {
	ContentType string
	Data        []byte
	TakenAt     time.Time
}

// Output is the packaging state of one channel: one segmenter per rendition.
// It outlives sessions, so sequence numbers continue across failover and
// republish.
type Output struct {
	channel media.Channel
	ladder  []media.RenditionSpec
	segs    map[string]*Segmenter
	target  time.Duration
	now     func() time.Time
	still   atomic.Pointer[Still]
}

// NewOutput builds the segmenters of a channel. The channel's own segment
// target and DVR window override opts when set.
func NewOutput(ch media.Channel, ladder []media.RenditionSpec, st store.Store, keys drm.KeyProvider, opts Options) (*Output, error) {
	if len(ladder) == 0 {
		return nil, errors.New("packager: empty ladder")
	}
	if ch.SegmentTarget > 0 {
		opts.SegmentTarget = ch.SegmentTarget
	}
	if ch.DVRWindow > 0 {
		opts.DVRWindow = ch.DVRWindow
	}
	opts = opts.withDefaults()
	o := &Output{
		channel: ch,
		ladder:  append([]media.RenditionSpec(nil), ladder...),
		segs:    make(map[string]*Segmenter, len(ladder)),
		target:  opts.SegmentTarget,
		now:     opts.Now,
	}
	for _, spec := range ladder {
		// Each rendition keeps its own active key.
		enc, err := NewEncryptor(ch.ID, ch.Encryption, keys)
		if err != nil {
			return nil, fmt.Errorf("packager: channel %s: %w", ch.ID, err)
		}
		o.segs[spec.Name] = NewSegmenter(ch.ID, spec, st, enc, opts)
	}
	return o, nil
}

func (o *Output) ChannelID() string { return o.channel.ID }

// Ladder returns the rendition specs, highest bandwidth first.
func (o *Output) Ladder() []media.RenditionSpec {
	return append([]media.RenditionSpec(nil), o.ladder...)
}

// SegmentTarget is the channel's effective target segment duration.
func (o *Output) SegmentTarget() time.Duration { return o.target }

// Segmenter returns the segmenter of a rendition, or nil.
func (o *Output) Segmenter(name string) *Segmenter { return o.segs[name] }

// Snapshot returns the current manifest of one rendition.
func (o *Output) Snapshot(name string) (*Snapshot, bool) {
	s, ok := o.segs[name]
	if !ok {
		return nil, false
	}
	return s.Manifest().Snapshot(), true
}

// Available returns the snapshots of renditions that are neither degraded
// nor empty, in ladder order.
func (o *Output) Available() []*Snapshot {
	out := make([]*Snapshot, 0, len(o.ladder))
	for _, spec := range o.ladder {
		if snap := o.segs[spec.Name].Manifest().Snapshot(); snap.Available() {
			out = append(out, snap)
		}
	}
	return out
}

// Master renders the HLS master playlist over the available renditions.
func (o *Output) Master() ([]byte, error) {
	avail := o.Available()
	if len(avail) == 0 {
		return nil, fmt.Errorf("channel %s: no available renditions: %w", o.channel.ID, media.ErrNotFound)
	}
	variants := make([]Variant, 0, len(avail))
	for _, s := range avail {
		variants = append(variants, Variant{URI: MediaPlaylistURI(s.Spec.Name), Spec: s.Spec})
	}
	return RenderMaster(variants), nil
}

// DASH renders the channel MPD over the available renditions.
func (o *Output) DASH() ([]byte, error) {
	avail := o.Available()
	if len(avail) == 0 {
		return nil, fmt.Errorf("channel %s: no available renditions: %w", o.channel.ID, media.ErrNotFound)
	}
	return RenderDASH(avail, o.now())
}

// Flush seals every partial segment.
func (o *Output) Flush(ctx context.Context) error {
	var errs []error
	for _, spec := range o.ladder {
		if err := o.segs[spec.Name].Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restart prepares every rendition for a new source session.
func (o *Output) Restart(cause string) {
	for _, s := range o.segs {
		s.Restart(cause)
	}
}

// End flushes and closes every manifest.
func (o *Output) End(ctx context.Context) error {
	var errs []error
	for _, spec := range o.ladder {
		if err := o.segs[spec.Name].End(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Output) SetStill(s Still) { o.still.Store(&s) }

// Still returns the latest thumbnail, if any.
func (o *Output) Still() (Still, bool) {
	s := o.still.Load()
	if s == nil {
		return Still{}, false
	}
	return *s, true
}
