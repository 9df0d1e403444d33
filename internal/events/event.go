// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package events carries structured operational events from the media
// pipeline to the external operations layer.
package events

import (
	"context"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Type names an event kind. The values are part of the external contract.
type Type string

const (
	SessionConnected    Type = "session.connected"
	SessionDisconnected Type = "session.disconnected"
	HealthDegraded      Type = "health.degraded"
	Failover            Type = "failover"
	StoreError          Type = "store.error"
	RenditionDegraded   Type = "rendition.degraded"
	RenditionRecovered  Type = "rendition.recovered"
)

// Event is one structured operational event.
type Event struct {
	Type      Type             `json:"type"`
	ChannelID string           `json:"channelId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Protocol  media.Protocol   `json:"protocol,omitempty"`
	Rendition string           `json:"rendition,omitempty"`
	Reason    media.ReasonCode `json:"reason,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	At        time.Time        `json:"at"`
}

// Bus is the pub/sub seam between emitters and sinks.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (Subscriber, error)
}

// Subscriber receives every event published after it subscribed.
type Subscriber interface {
	C() <-chan Event
	Close() error
}
