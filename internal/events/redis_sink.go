package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSink forwards bus events to a Redis stream consumed by the external
// operations layer.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisSink wraps an existing client. maxLen caps the stream length
// (approximate trimming); zero disables trimming.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: log.WithComponent("events.redis"),
	}
}

// Write appends one event to the stream.
func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":      string(ev.Type),
			"channel":   ev.ChannelID,
			"session":   ev.SessionID,
			"protocol":  string(ev.Protocol),
			"rendition": ev.Rendition,
			"reason":    string(ev.Reason),
			"detail":    ev.Detail,
			"at":        ev.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Run drains the subscriber until ctx is done or the subscription closes.
// Sink failures are counted and logged; they never block the bus.
func (s *RedisSink) Run(ctx context.Context, sub Subscriber) error {
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.Write(wctx, ev)
			cancel()
			if err != nil {
				metrics.EventSinkErrorsTotal.WithLabelValues("redis").Inc()
				s.logger.Warn().
					Err(err).
					Str(log.FieldEvent, "events.sink_failed").
					Str("type", string(ev.Type)).
					Msg("redis sink write failed")
			}
		}
	}
}
