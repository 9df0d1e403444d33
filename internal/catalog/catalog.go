// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package catalog resolves channel configuration from the external catalog.
// The core only reads it.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Source is a read-mostly channel lookup.
type Source interface {
	// LookupByKey authenticates a stream key. It returns media.ErrAuthFailed
	// when no channel owns the key.
	LookupByKey(ctx context.Context, key media.StreamKey) (media.Channel, error)
	// Get returns a channel by id or media.ErrNotFound.
	Get(ctx context.Context, channelID string) (media.Channel, error)
}

// Defaults fill channel fields the catalog leaves empty.
type Defaults struct {
	SegmentTarget    time.Duration
	DVRWindow        time.Duration
	RotationSegments int
}

// Normalize validates a channel and resolves its ladder.
func Normalize(ch media.Channel, d Defaults) (media.Channel, error) {
	ch.ID = strings.TrimSpace(ch.ID)
	if ch.ID == "" {
		return ch, fmt.Errorf("channel id is required")
	}
	if ch.ID == "." || ch.ID == ".." || strings.ContainsAny(ch.ID, "/\\?#") {
		return ch, fmt.Errorf("channel %q: invalid id", ch.ID)
	}
	if ch.StreamKey == "" {
		return ch, fmt.Errorf("channel %q: stream key is required", ch.ID)
	}
	ladder, err := media.ResolveLadder(ch.Ladder)
	if err != nil {
		return ch, fmt.Errorf("channel %q: %w", ch.ID, err)
	}
	ch.Ladder = ladder
	if ch.SegmentTarget <= 0 {
		ch.SegmentTarget = d.SegmentTarget
	}
	if ch.DVRWindow <= 0 {
		ch.DVRWindow = d.DVRWindow
	}
	if ch.DVRWindow < ch.SegmentTarget {
		ch.DVRWindow = ch.SegmentTarget
	}
	if ch.Encryption.Enabled && ch.Encryption.RotationSegments <= 0 {
		ch.Encryption.RotationSegments = d.RotationSegments
		if ch.Encryption.RotationSegments <= 0 {
			ch.Encryption.RotationSegments = 30
		}
	}
	return ch, nil
}
