// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gateway serves manifests and segments to players and CDNs. An
// origin reads the local packager state and segment store; an edge fills
// from upstream origins.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/store"
)

// ErrUpstreamUnavailable is returned by an edge when no origin could serve
// a request for a reason other than not-found.
var ErrUpstreamUnavailable = errors.New("no upstream origin available")

// Flavor selects the manifest dialect.
type Flavor string

const (
	FlavorHLS  Flavor = "hls"
	FlavorDASH Flavor = "dash"
)

// ManifestRef names a manifest. An HLS ref without a rendition is the
// master playlist.
type ManifestRef struct {
	Channel   string
	Flavor    Flavor
	Rendition string
}

// Path is the ref's URL path below the gateway root.
func (m ManifestRef) Path() string {
	switch {
	case m.Flavor == FlavorDASH:
		return path.Join("/live", m.Channel, "manifest.mpd")
	case m.Rendition == "":
		return path.Join("/live", m.Channel, "master.m3u8")
	default:
		return path.Join("/live", m.Channel, packager.MediaPlaylistURI(m.Rendition))
	}
}

// SegmentPath is the URL path of a segment below the gateway root.
func SegmentPath(rid media.RenditionID, seq uint64) string {
	return path.Join("/live", rid.Channel(), rid.Name(), media.SegmentName(seq))
}

func thumbnailPath(channel string) string {
	return path.Join("/live", channel, "thumbnail")
}

// Document is a rendered manifest or still image.
type Document struct {
	Body        []byte
	ContentType string
	MaxAge      time.Duration
}

// Delivery is the read side shared by origin and edge.
type Delivery interface {
	GetManifest(ctx context.Context, ref ManifestRef) (Document, error)
	GetSegment(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error)
	GetThumbnail(ctx context.Context, channel string) (Document, error)
}

// Outputs resolves a channel's packaging state.
type Outputs interface {
	Output(channelID string) (*packager.Output, bool)
}

// ManifestMaxAge is how long a manifest may be cached: half the segment
// target, at least one second.
func ManifestMaxAge(target time.Duration) time.Duration {
	age := time.Duration(math.Ceil((target / 2).Seconds())) * time.Second
	if age < time.Second {
		age = time.Second
	}
	return age
}

// Origin serves from the local packager outputs and segment store.
type Origin struct {
	outputs Outputs
	store   store.Store
}

var _ Delivery = (*Origin)(nil)

func NewOrigin(outputs Outputs, st store.Store) *Origin {
	return &Origin{outputs: outputs, store: st}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), media.ErrNotFound)
}

func (o *Origin) GetManifest(_ context.Context, ref ManifestRef) (Document, error) {
	out, ok := o.outputs.Output(ref.Channel)
	if !ok {
		return Document{}, notFound("channel %s", ref.Channel)
	}
	doc := Document{MaxAge: ManifestMaxAge(out.SegmentTarget())}

	var err error
	switch {
	case ref.Flavor == FlavorDASH:
		doc.ContentType = packager.DASHContentType
		doc.Body, err = out.DASH()
	case ref.Flavor != FlavorHLS:
		return Document{}, notFound("manifest flavor %q", ref.Flavor)
	case ref.Rendition == "":
		doc.ContentType = packager.HLSContentType
		doc.Body, err = out.Master()
	default:
		snap, ok := out.Snapshot(ref.Rendition)
		if !ok || !snap.Available() {
			return Document{}, notFound("rendition %s/%s", ref.Channel, ref.Rendition)
		}
		doc.ContentType = packager.HLSContentType
		doc.Body, err = packager.RenderHLS(snap)
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// GetSegment only serves segments the rendition's manifest currently
// advertises.
func (o *Origin) GetSegment(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	out, ok := o.outputs.Output(rid.Channel())
	if !ok {
		return media.Segment{}, notFound("channel %s", rid.Channel())
	}
	snap, ok := out.Snapshot(rid.Name())
	if !ok || !snap.Has(seq) {
		return media.Segment{}, notFound("segment %s/%d", rid, seq)
	}
	seg, err := o.store.Get(ctx, rid, seq)
	switch {
	case err == nil:
		return seg, nil
	case errors.Is(err, media.ErrNotFound), errors.Is(err, media.ErrStoreUnavailable):
		return media.Segment{}, err
	default:
		return media.Segment{}, fmt.Errorf("%w: %w", media.ErrStoreUnavailable, err)
	}
}

func (o *Origin) GetThumbnail(_ context.Context, channel string) (Document, error) {
	out, ok := o.outputs.Output(channel)
	if !ok {
		return Document{}, notFound("channel %s", channel)
	}
	still, ok := out.Still()
	if !ok {
		return Document{}, notFound("thumbnail %s", channel)
	}
	return Document{
		Body:        still.Data,
		ContentType: still.ContentType,
		MaxAge:      ManifestMaxAge(out.SegmentTarget()),
	}, nil
}
