// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transcode turns one normalized frame stream into one encoded stream
// per rendition of a channel ladder, and builds the ffmpeg invocations used
// for live renditions and file based (VOD) jobs.
package transcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/xglive/internal/media"
)

// Encoder produces the output frames of one rendition. Implementations are
// used from a single goroutine.
type Encoder interface {
	// Encode consumes one source frame. forceKey is set for source key
	// frames; the first video frame returned for such an input must be a key
	// frame so segment boundaries line up across renditions.
	Encode(f media.Frame, forceKey bool) ([]media.Frame, error)
	// Reset clears encoder state after a failure. It is called at the next
	// source key frame.
	Reset() error
	Close() error
}

// Flusher is implemented by encoders that hold frames until a segment ends.
// Flush is called before every segment cut and returns the remaining output
// of the segment.
type Flusher interface {
	Flush() ([]media.Frame, error)
}

// EncoderFactory builds the encoder for one rendition. passthrough is true
// when the rendition may copy the source unchanged.
type EncoderFactory func(spec media.RenditionSpec, src media.SourceInfo, passthrough bool) (Encoder, error)

var errEncoderClosed = errors.New("encoder closed")

// NewEncoderFactory resolves a configured encoder name. "ffmpeg", the
// default, encodes with the binary at bin; "passthrough" copies the source
// into every rendition.
func NewEncoderFactory(name, bin string) (EncoderFactory, error) {
	switch name {
	case "ffmpeg", "":
		return func(spec media.RenditionSpec, src media.SourceInfo, passthrough bool) (Encoder, error) {
			if passthrough {
				return &passthroughEncoder{}, nil
			}
			return NewFFmpegEncoder(spec, src, LiveOptions{Bin: bin})
		}, nil
	case "passthrough":
		return PassthroughFactory, nil
	default:
		return nil, fmt.Errorf("unknown encoder %q", name)
	}
}

// PassthroughFactory copies the source into every rendition.
func PassthroughFactory(media.RenditionSpec, media.SourceInfo, bool) (Encoder, error) {
	return &passthroughEncoder{}, nil
}

// CanPassthrough reports whether a rendition matches the source closely
// enough to copy it: same codec, and same profile unless the rendition leaves
// the profile open.
func CanPassthrough(spec media.RenditionSpec, src media.SourceInfo) bool {
	if src.VideoCodec == "" || !strings.EqualFold(spec.Codec, src.VideoCodec) {
		return false
	}
	return spec.Profile == "" || strings.EqualFold(spec.Profile, src.Profile)
}

type passthroughEncoder struct {
	closed bool
}

func (e *passthroughEncoder) Encode(f media.Frame, _ bool) ([]media.Frame, error) {
	if e.closed {
		return nil, errEncoderClosed
	}
	return []media.Frame{f}, nil
}

func (e *passthroughEncoder) Reset() error { return nil }

func (e *passthroughEncoder) Close() error {
	e.closed = true
	return nil
}
