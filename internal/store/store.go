// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store implements the segment store: durable backends behind a
// shared hot cache. Segments are addressed by (rendition, sequence) only.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Store is the segment store contract. Put is durable before it returns.
type Store interface {
	Put(ctx context.Context, seg media.Segment) error
	// Get returns the segment or an error wrapping media.ErrNotFound.
	Get(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error)
	// Evict removes every segment of rid with a sequence below before.
	Evict(ctx context.Context, rid media.RenditionID, before uint64) error
	// Ping reports whether the durable tier is reachable.
	Ping(ctx context.Context) error
}

// Backend is a durable tier.
type Backend interface {
	Store
	Name() string
	Close() error
}

// Pinner is implemented by stores with a cache that must keep a rendition's
// live window resident.
type Pinner interface {
	// Pin keeps cached segments of rid with sequence >= from resident.
	Pin(rid media.RenditionID, from uint64)
	// Release drops every pin for rid.
	Release(rid media.RenditionID)
}

func notFound(rid media.RenditionID, seq uint64) error {
	return fmt.Errorf("segment %s/%d: %w", rid, seq, media.ErrNotFound)
}

// segment wire form used by the byte-oriented backends:
// [4-byte big-endian header length][JSON header][payload]
type segmentHeader struct {
	Rendition     media.RenditionID `json:"r"`
	Sequence      uint64            `json:"s"`
	Duration      int64             `json:"d"`
	PTS           int64             `json:"p"`
	KeyID         string            `json:"k,omitempty"`
	Discontinuity bool              `json:"x,omitempty"`
	SealedAt      int64             `json:"t"`
}

func encodeSegment(seg media.Segment) ([]byte, error) {
	hdr, err := json.Marshal(segmentHeader{
		Rendition:     seg.Rendition,
		Sequence:      seg.Sequence,
		Duration:      int64(seg.Duration),
		PTS:           int64(seg.PTS),
		KeyID:         seg.KeyID,
		Discontinuity: seg.Discontinuity,
		SealedAt:      seg.SealedAt.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(hdr)+len(seg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(len(hdr)))
	copy(buf[4:], hdr)
	copy(buf[4+len(hdr):], seg.Payload)
	return buf, nil
}

var errCorrupt = errors.New("corrupt segment record")

func decodeSegment(b []byte) (media.Segment, error) {
	if len(b) < 4 {
		return media.Segment{}, errCorrupt
	}
	n := int(binary.BigEndian.Uint32(b))
	if n > len(b)-4 {
		return media.Segment{}, errCorrupt
	}
	var h segmentHeader
	if err := json.Unmarshal(b[4:4+n], &h); err != nil {
		return media.Segment{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	payload := make([]byte, len(b)-4-n)
	copy(payload, b[4+n:])
	seg := media.Segment{
		Rendition:     h.Rendition,
		Sequence:      h.Sequence,
		Duration:      time.Duration(h.Duration),
		PTS:           time.Duration(h.PTS),
		Payload:       payload,
		KeyID:         h.KeyID,
		Discontinuity: h.Discontinuity,
	}
	if h.SealedAt != 0 {
		seg.SealedAt = time.Unix(0, h.SealedAt).UTC()
	}
	return seg, nil
}
