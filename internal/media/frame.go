// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package media holds the normalized data model shared by every pipeline stage.
package media

import (
	"fmt"
	"time"
)

// FrameType tags a normalized frame.
type FrameType uint8

const (
	FrameKey FrameType = iota + 1
	FrameDelta
	FrameAudio
	FrameMetadata
)

func (t FrameType) String() string {
	switch t {
	case FrameKey:
		return "key"
	case FrameDelta:
		return "delta"
	case FrameAudio:
		return "audio"
	case FrameMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frame is one normalized unit of audio, video or metadata.
// Frames are immutable once produced; stages share them by value and never
// mutate Data.
type Frame struct {
	SessionID string
	Type      FrameType
	PTS       time.Duration
	DTS       time.Duration
	Codec     string
	Data      []byte
	// Config is the decoder configuration in effect: the AVC decoder
	// configuration record on H.264 key frames, the AudioSpecificConfig on
	// AAC frames. Nil when the codec carries none.
	Config []byte
}

// IsKey reports whether the frame is a video key frame.
func (f Frame) IsKey() bool { return f.Type == FrameKey }

// IsVideo reports whether the frame carries video.
func (f Frame) IsVideo() bool { return f.Type == FrameKey || f.Type == FrameDelta }

// Droppable reports whether the frame may be discarded under overload.
// Key frames and audio are never droppable.
func (f Frame) Droppable() bool { return f.Type == FrameDelta || f.Type == FrameMetadata }

// Cut marks a segment boundary. The transcode dispatcher emits the same Cut
// to every rendition so segments stay aligned across the ladder.
type Cut struct {
	// PTS is the presentation time of the source key frame that opens the
	// next segment. Zero for end-of-stream cuts.
	PTS time.Duration
	// EndOfStream seals whatever is pending without opening a new segment.
	EndOfStream bool
}

// RenditionStatus is carried in-band on an encoded stream so status changes
// stay ordered with the frames around them.
type RenditionStatus uint8

const (
	StatusOK RenditionStatus = iota
	StatusDegraded
	StatusRecovered
)

// Encoded is one element of a rendition's encoded output stream: a frame, a
// segment cut, or a status transition.
type Encoded struct {
	Rendition string
	Frame     Frame
	Cut       *Cut
	Status    RenditionStatus
	Err       error
}

// IsFrame reports whether the element carries an encoded frame.
func (e Encoded) IsFrame() bool { return e.Cut == nil && e.Status == StatusOK }
