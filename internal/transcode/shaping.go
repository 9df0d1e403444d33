// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transcode

import (
	"encoding/binary"
	"slices"

	"github.com/ManuGH/xglive/internal/media"
)

const (
	defaultFrameRate = 30.0
	keyFrameWeight   = 4
)

// ShapingEncoder stands in for a real encoder in tests and benchmarks. It
// re-tags frames with the rendition codec and truncates video payloads to the
// per-frame byte budget implied by the rendition bitrate, so renditions differ
// in size without an external process. Audio is forwarded unchanged.
type ShapingEncoder struct {
	spec     media.RenditionSpec
	budget   int
	awaitKey bool
	closed   bool
}

// NewShapingEncoder sizes the per-frame budget from the rendition bitrate and
// frame rate, falling back to the source frame rate and then 30 fps.
func NewShapingEncoder(spec media.RenditionSpec, src media.SourceInfo) *ShapingEncoder {
	fps := spec.FrameRate
	if fps <= 0 {
		fps = src.FrameRate
	}
	if fps <= 0 {
		fps = defaultFrameRate
	}
	budget := int(float64(spec.VideoBitrate) * 1000 / 8 / fps)
	if budget < 1 {
		budget = 1
	}
	return &ShapingEncoder{spec: spec, budget: budget, awaitKey: true}
}

// Budget is the per-frame byte budget for delta frames.
func (e *ShapingEncoder) Budget() int { return e.budget }

func (e *ShapingEncoder) Encode(f media.Frame, forceKey bool) ([]media.Frame, error) {
	if e.closed {
		return nil, errEncoderClosed
	}
	if !f.IsVideo() {
		return []media.Frame{f}, nil
	}
	if e.awaitKey && !forceKey && !f.IsKey() {
		return nil, nil
	}
	limit := e.budget
	if forceKey || f.IsKey() {
		f.Type = media.FrameKey
		limit *= keyFrameWeight
		e.awaitKey = false
	}
	if len(f.Data) > limit {
		f.Data = truncate(f.Data, limit)
	}
	if e.spec.Codec != "" {
		f.Codec = e.spec.Codec
	}
	return []media.Frame{f}, nil
}

// truncate cuts data to n bytes. A single length-prefixed NAL unit keeps a
// valid length prefix.
func truncate(data []byte, n int) []byte {
	if n > 4 && len(data) > 4 && int(binary.BigEndian.Uint32(data)) == len(data)-4 {
		out := slices.Clone(data[:n])
		binary.BigEndian.PutUint32(out, uint32(n-4))
		return out
	}
	return data[:n:n]
}

func (e *ShapingEncoder) Reset() error {
	if e.closed {
		return errEncoderClosed
	}
	e.awaitKey = true
	return nil
}

func (e *ShapingEncoder) Close() error {
	e.closed = true
	return nil
}

// ShapingFactory builds ShapingEncoders, or passthrough encoders where the
// engine allows copying.
func ShapingFactory(spec media.RenditionSpec, src media.SourceInfo, passthrough bool) (Encoder, error) {
	if passthrough {
		return &passthroughEncoder{}, nil
	}
	return NewShapingEncoder(spec, src), nil
}
