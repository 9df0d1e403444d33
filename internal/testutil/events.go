package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/ManuGH/xglive/internal/events"
)

// Recorder collects every event published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	done   chan struct{}
}

// RecordEvents subscribes to bus for the lifetime of the test.
func RecordEvents(t *testing.T, bus events.Bus) *Recorder {
	t.Helper()
	sub, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r := &Recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range sub.C() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = sub.Close()
		<-r.done
	})
	return r
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfType returns the recorded events of type typ.
func (r *Recorder) OfType(typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
