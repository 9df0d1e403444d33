// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/metrics"
)

// MemoryBus is an in-process pub/sub with bounded subscriber queues. Publish
// blocks at most until its context is done; slow subscribers lose events
// rather than stall the pipeline.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

const (
	subscriberBuffer = 64
	dropLogEvery     = 100
)

var dropCount atomic.Uint64

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish %q: bus closed", ev.Type)
	}
	metrics.BusPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			metrics.IncBusDropReason(string(ev.Type), reason)
			if count := dropCount.Add(1); count%dropLogEvery == 0 {
				log.L().Warn().
					Str(log.FieldEvent, "bus.drop").
					Str("type", string(ev.Type)).
					Str(log.FieldReason, reason).
					Uint64("dropped", count).
					Msg("memory bus failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish %q: %w", ev.Type, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context) (Subscriber, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe: bus closed")
	}
	b.subs = append(b.subs, ch)
	return &memSub{b: b, ch: ch}, nil
}

// Close detaches and closes every subscriber channel.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

type memSub struct {
	b    *MemoryBus
	ch   chan Event
	once sync.Once
}

func (s *memSub) C() <-chan Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if s.b.closed {
			return
		}
		out := s.b.subs[:0]
		for _, c := range s.b.subs {
			if c != s.ch {
				out = append(out, c)
			}
		}
		s.b.subs = out
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
