package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ManuGH/xglive/internal/cache"
	"github.com/ManuGH/xglive/internal/media"
	"golang.org/x/sync/singleflight"
)

// Cached fronts a Source with a TTL cache. Concurrent misses for the same
// key are coalesced. Failed lookups are not cached so a rotated key takes
// effect immediately.
type Cached struct {
	src   Source
	ttl   time.Duration
	byKey *cache.TTL[string, media.Channel]
	byID  *cache.TTL[string, media.Channel]
	group singleflight.Group
}

// NewCached wraps src. now may be nil for the wall clock.
func NewCached(src Source, ttl time.Duration, now func() time.Time) *Cached {
	return &Cached{
		src:   src,
		ttl:   ttl,
		byKey: cache.NewTTL[string, media.Channel](now),
		byID:  cache.NewTTL[string, media.Channel](now),
	}
}

func keyDigest(k media.StreamKey) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) LookupByKey(ctx context.Context, key media.StreamKey) (media.Channel, error) {
	d := keyDigest(key)
	if ch, ok := c.byKey.Get(d); ok {
		return ch, nil
	}
	v, err, _ := c.group.Do("key:"+d, func() (any, error) {
		ch, err := c.src.LookupByKey(ctx, key)
		if err != nil {
			return media.Channel{}, err
		}
		c.byKey.Set(d, ch, c.ttl)
		c.byID.Set(ch.ID, ch, c.ttl)
		return ch, nil
	})
	if err != nil {
		return media.Channel{}, err
	}
	return v.(media.Channel), nil
}

func (c *Cached) Get(ctx context.Context, channelID string) (media.Channel, error) {
	if ch, ok := c.byID.Get(channelID); ok {
		return ch, nil
	}
	v, err, _ := c.group.Do("id:"+channelID, func() (any, error) {
		ch, err := c.src.Get(ctx, channelID)
		if err != nil {
			return media.Channel{}, err
		}
		c.byID.Set(ch.ID, ch, c.ttl)
		return ch, nil
	})
	if err != nil {
		return media.Channel{}, err
	}
	return v.(media.Channel), nil
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() {
	c.byKey.Clear()
	c.byID.Clear()
}

var _ Source = (*Cached)(nil)
