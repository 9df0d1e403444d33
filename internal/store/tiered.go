// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	rid media.RenditionID
	seq uint64
}

type cacheEntry struct {
	key cacheKey
	seg media.Segment
}

// Tiered fronts a durable Backend with a byte-bounded LRU hot cache.
// Segments inside a pinned live window are never evicted from the cache;
// the budget may be exceeded while pins hold more than it allows.
type Tiered struct {
	backend Backend

	mu      sync.Mutex
	budget  int64
	used    int64
	lru     *list.List // front = most recently used
	entries map[cacheKey]*list.Element
	pins    map[media.RenditionID]uint64
	floors  map[media.RenditionID]uint64

	group singleflight.Group
}

// NewTiered wraps backend with a cache of budget bytes. budget <= 0 disables
// caching.
func NewTiered(backend Backend, budget int64) *Tiered {
	return &Tiered{
		backend: backend,
		budget:  budget,
		lru:     list.New(),
		entries: make(map[cacheKey]*list.Element),
		pins:    make(map[media.RenditionID]uint64),
		floors:  make(map[media.RenditionID]uint64),
	}
}

// Backend returns the durable tier.
func (t *Tiered) Backend() Backend { return t.backend }

// Put writes through to the backend and caches the segment on success.
func (t *Tiered) Put(ctx context.Context, seg media.Segment) error {
	start := time.Now()
	err := t.backend.Put(ctx, seg)
	metrics.ObserveStoreOp(t.backend.Name(), "put", start, err)
	if err != nil {
		return fmt.Errorf("%w: %w", media.ErrStoreUnavailable, err)
	}
	t.add(seg)
	return nil
}

// Get serves from the cache, falling back to one coalesced backend read per
// segment.
//
// Once Evict ran for rid, sequences below its bound are NotFound even when a
// backend read started before the eviction returns afterwards.
func (t *Tiered) Get(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	key := cacheKey{rid: rid, seq: seq}
	if t.evicted(key) {
		return media.Segment{}, fmt.Errorf("%s/%d: %w", rid, seq, media.ErrNotFound)
	}
	if seg, ok := t.lookup(key); ok {
		metrics.CacheResultTotal.WithLabelValues("hit").Inc()
		return seg, nil
	}
	metrics.CacheResultTotal.WithLabelValues("miss").Inc()

	v, err, _ := t.group.Do(fmt.Sprintf("%s/%d", rid, seq), func() (any, error) {
		start := time.Now()
		seg, err := t.backend.Get(ctx, rid, seq)
		var opErr error
		if err != nil && !errors.Is(err, media.ErrNotFound) {
			opErr = err
		}
		metrics.ObserveStoreOp(t.backend.Name(), "get", start, opErr)
		if err != nil {
			return media.Segment{}, err
		}
		if !t.add(seg) && t.evicted(key) {
			return media.Segment{}, fmt.Errorf("%s/%d: %w", rid, seq, media.ErrNotFound)
		}
		return seg, nil
	})
	if err != nil {
		return media.Segment{}, err
	}
	return v.(media.Segment), nil
}

// Evict removes segments below before from both tiers. The bound only ever
// rises.
func (t *Tiered) Evict(ctx context.Context, rid media.RenditionID, before uint64) error {
	t.mu.Lock()
	if before > t.floors[rid] {
		t.floors[rid] = before
	}
	for k, el := range t.entries {
		if k.rid == rid && k.seq < before {
			t.removeLocked(el)
		}
	}
	t.mu.Unlock()

	start := time.Now()
	err := t.backend.Evict(ctx, rid, before)
	metrics.ObserveStoreOp(t.backend.Name(), "evict", start, err)
	return err
}

func (t *Tiered) Ping(ctx context.Context) error {
	start := time.Now()
	err := t.backend.Ping(ctx)
	metrics.ObserveStoreOp(t.backend.Name(), "ping", start, err)
	return err
}

// Pin keeps cached segments of rid with seq >= from resident.
func (t *Tiered) Pin(rid media.RenditionID, from uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[rid] = from
	t.shrinkLocked()
}

// Release drops the pin and eviction bound of rid; its segments become
// ordinary LRU entries.
func (t *Tiered) Release(rid media.RenditionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pins, rid)
	delete(t.floors, rid)
	t.shrinkLocked()
}

// CachedBytes reports the bytes held by the hot cache.
func (t *Tiered) CachedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Cached reports whether a segment is resident in the hot cache.
func (t *Tiered) Cached(rid media.RenditionID, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[cacheKey{rid: rid, seq: seq}]
	return ok
}

func (t *Tiered) Close() error {
	t.mu.Lock()
	t.lru.Init()
	t.entries = make(map[cacheKey]*list.Element)
	t.used = 0
	t.mu.Unlock()
	metrics.CacheBytes.Set(0)
	return t.backend.Close()
}

func (t *Tiered) lookup(key cacheKey) (media.Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[key]
	if !ok {
		return media.Segment{}, false
	}
	t.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).seg, true
}

func (t *Tiered) evicted(k cacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return k.seq < t.floors[k.rid]
}

// add caches seg unless caching is off or seg is below the eviction bound
// of its rendition. It reports whether seg was cached.
func (t *Tiered) add(seg media.Segment) bool {
	if t.budget <= 0 {
		return false
	}
	key := cacheKey{rid: seg.Rendition, seq: seg.Sequence}
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.seq < t.floors[key.rid] {
		return false
	}
	if el, ok := t.entries[key]; ok {
		t.removeLocked(el)
	}
	t.entries[key] = t.lru.PushFront(&cacheEntry{key: key, seg: seg})
	t.used += int64(seg.Size())
	t.shrinkLocked()
	return true
}

func (t *Tiered) pinnedLocked(k cacheKey) bool {
	from, ok := t.pins[k.rid]
	return ok && k.seq >= from
}

// shrinkLocked evicts unpinned entries from the LRU tail until the cache
// fits its budget.
func (t *Tiered) shrinkLocked() {
	for el := t.lru.Back(); el != nil && t.used > t.budget; {
		prev := el.Prev()
		if !t.pinnedLocked(el.Value.(*cacheEntry).key) {
			t.removeLocked(el)
		}
		el = prev
	}
	if t.used > t.budget && t.budget > 0 {
		logger := log.WithComponent("store")
		logger.Debug().
			Int64("used", t.used).
			Int64("budget", t.budget).
			Msg("hot cache over budget, remainder pinned")
	}
	metrics.CacheBytes.Set(float64(t.used))
}

func (t *Tiered) removeLocked(el *list.Element) {
	e := el.Value.(*cacheEntry)
	t.lru.Remove(el)
	delete(t.entries, e.key)
	t.used -= int64(e.seg.Size())
}

var (
	_ Store  = (*Tiered)(nil)
	_ Pinner = (*Tiered)(nil)
)
