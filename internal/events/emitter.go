package events

import (
	"context"
	"time"

	"github.com/ManuGH/xglive/internal/log"
)

// DefaultPublishTimeout bounds how long a pipeline stage waits on the bus.
const DefaultPublishTimeout = 100 * time.Millisecond

// Emitter stamps and publishes events from pipeline stages. A nil Emitter or
// an Emitter without a bus discards events, which keeps tests terse.
type Emitter struct {
	Bus     Bus
	Timeout time.Duration
	Now     func() time.Time
}

// Emit publishes ev with a bounded wait. Failures are logged, never returned:
// event delivery must not change pipeline behaviour.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.Bus == nil {
		return
	}
	if ev.At.IsZero() {
		if e.Now != nil {
			ev.At = e.Now()
		} else {
			ev.At = time.Now()
		}
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Bus.Publish(ctx, ev); err != nil {
		logger := log.WithComponent("events")
		logger.Debug().
			Err(err).
			Str(log.FieldEvent, "events.emit_failed").
			Str("type", string(ev.Type)).
			Msg("event not delivered")
	}
}
