// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/redis/go-redis/v9"
)

// RedisBackend stores segment records as plain keys and keeps a sorted set
// per rendition for range eviction.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, prefix: "xglive"}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Close() error { return r.client.Close() }

func (r *RedisBackend) segKey(rid media.RenditionID, seq uint64) string {
	return fmt.Sprintf("%s:seg:%s:%d", r.prefix, rid, seq)
}

func (r *RedisBackend) indexKey(rid media.RenditionID) string {
	return fmt.Sprintf("%s:segidx:%s", r.prefix, rid)
}

func (r *RedisBackend) Put(ctx context.Context, seg media.Segment) error {
	buf, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.segKey(seg.Rendition, seg.Sequence), buf, 0)
		p.ZAdd(ctx, r.indexKey(seg.Rendition), redis.Z{Score: float64(seg.Sequence), Member: strconv.FormatUint(seg.Sequence, 10)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	b, err := r.client.Get(ctx, r.segKey(rid, seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return media.Segment{}, notFound(rid, seq)
	}
	if err != nil {
		return media.Segment{}, fmt.Errorf("redis get: %w", err)
	}
	return decodeSegment(b)
}

func (r *RedisBackend) Evict(ctx context.Context, rid media.RenditionID, before uint64) error {
	idx := r.indexKey(rid)
	members, err := r.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatUint(before, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis evict scan: %w", err)
	}
	if len(members) == 0 {
		return nil
	}
	keys := make([]string, 0, len(members))
	zmembers := make([]any, 0, len(members))
	for _, m := range members {
		seq, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, r.segKey(rid, seq))
		zmembers = append(zmembers, m)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(keys) > 0 {
			p.Del(ctx, keys...)
		}
		if len(zmembers) > 0 {
			p.ZRem(ctx, idx, zmembers...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis evict: %w", err)
	}
	return nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Backend = (*RedisBackend)(nil)
