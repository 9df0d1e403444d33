// SPDX-License-Identifier: MIT

package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_GetSet(t *testing.T) {
	c := NewTTL[string, int](nil)

	c.Set("a", 1, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTL_Expiration(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	c := NewTTL[string, string](clock.Now)

	c.Set("k", "v", 10*time.Second)
	clock.Advance(9 * time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expires at exactly its TTL")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestTTL_NonPositiveTTLRemoves(t *testing.T) {
	c := NewTTL[string, int](nil)
	c.Set("k", 1, time.Minute)
	c.Set("k", 2, 0)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTL_Clear(t *testing.T) {
	c := NewTTL[int, int](nil)
	for i := range 5 {
		c.Set(i, i, time.Minute)
	}
	require.Equal(t, 5, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTL_Concurrent(t *testing.T) {
	c := NewTTL[int, int](nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				c.Set(j, i, time.Minute)
				c.Get(j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.Len())
}
