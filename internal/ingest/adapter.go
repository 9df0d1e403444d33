// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ingest accepts publisher connections over RTMP, SRT and WebRTC
// and normalizes them into frame streams.
package ingest

import (
	"context"

	"github.com/ManuGH/xglive/internal/media"
)

// Handshake is the publish intent announced by a connection.
type Handshake struct {
	Key    media.StreamKey
	Backup bool
	Source media.SourceInfo
}

// TransportStats are cumulative transport counters. Protocols that cannot
// observe packet loss leave PacketsLost at zero.
type TransportStats struct {
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
}

// Adapter is the capability set every protocol variant provides for one
// connection. Variants are chosen by Protocol tag, never by type inspection.
type Adapter interface {
	Protocol() media.Protocol
	RemoteAddr() string
	// Handshake completes protocol negotiation.
	Handshake(ctx context.Context) (Handshake, error)
	// Demux reads frames in decode order and hands each to push. A push
	// error stops demuxing and is returned. io.EOF style ends return nil.
	Demux(ctx context.Context, push func(media.Frame) error) error
	// HealthSignal reports transport counters for the health monitor.
	HealthSignal() TransportStats
	Close() error
}

// PublishRequest is what the sink needs to authenticate and register a
// publisher.
type PublishRequest struct {
	Protocol   media.Protocol
	Key        media.StreamKey
	Backup     bool
	RemoteAddr string
	Source     media.SourceInfo
}

// Anomaly kinds reported by the monitor.
const (
	AnomalyPacketLoss      = "packet_loss"
	AnomalyBitrateCollapse = "bitrate_collapse"
	AnomalySilence         = "silence"
)

// Anomaly is a transport health observation. Anomalies never terminate a
// session on their own.
type Anomaly struct {
	Kind   string
	Detail string
}

// Publication is the accepted side of a publish: a registered session with
// its pipeline input.
type Publication interface {
	ID() string
	// Push delivers a frame to the pipeline. It blocks under backpressure.
	Push(ctx context.Context, f media.Frame) error
	// Signal reports a transport anomaly.
	Signal(a Anomaly)
	// Close ends the session with reason. Idempotent.
	Close(reason media.ReasonCode)
	// Done is closed when the session ended for any reason, including a
	// registry decision such as health timeout.
	Done() <-chan struct{}
}

// Sink authenticates and registers publishers.
type Sink interface {
	// Open returns media.ErrAuthFailed or media.ErrKeyInUse on rejection.
	Open(ctx context.Context, req PublishRequest) (Publication, error)
}
