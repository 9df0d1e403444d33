// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func (m *mockClock) Advance(d time.Duration) { m.now = m.now.Add(d) }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clk := &mockClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test-origin", 2, 5*time.Second, WithClock(clk))
	boom := errors.New("boom")

	require.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.State())
	require.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clk.Advance(5 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &mockClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test-half-open", 1, time.Second, WithClock(clk))
	boom := errors.New("boom")

	_ = cb.Execute(func() error { return boom })
	require.Equal(t, StateOpen, cb.State())
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return boom })
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_FailureFilter(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker("test-filter", 1, time.Minute,
		WithFailureFilter(func(err error) bool { return !errors.Is(err, notFound) }))

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 350 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 350*time.Millisecond, b.Delay(3))
	assert.Equal(t, 350*time.Millisecond, b.Delay(10))
}

func TestRetry(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 3}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, func(_ context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, func(context.Context, int) error {
			calls++
			return errors.New("down")
		})
		require.EqualError(t, err, "down")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent stops early", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, func(context.Context, int) error {
			calls++
			return fmt.Errorf("bad request: %w", ErrPermanent)
		})
		require.ErrorIs(t, err, ErrPermanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := Backoff{Initial: time.Hour, Attempts: 5}
		err := Retry(ctx, slow, func(context.Context, int) error { return errors.New("down") })
		require.ErrorIs(t, err, context.Canceled)
	})
}
