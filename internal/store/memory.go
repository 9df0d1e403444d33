package store

import (
	"context"
	"sync"

	"github.com/ManuGH/xglive/internal/media"
)

// MemoryBackend keeps segments in process memory. It is durable only for
// the lifetime of the process and is meant for single-node deployments and
// tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	segs map[media.RenditionID]map[uint64]media.Segment
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{segs: make(map[media.RenditionID]map[uint64]media.Segment)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(_ context.Context, seg media.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.segs[seg.Rendition]
	if r == nil {
		r = make(map[uint64]media.Segment)
		m.segs[seg.Rendition] = r
	}
	r[seg.Sequence] = seg
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segs[rid][seq]
	if !ok {
		return media.Segment{}, notFound(rid, seq)
	}
	return seg, nil
}

func (m *MemoryBackend) Evict(_ context.Context, rid media.RenditionID, before uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq := range m.segs[rid] {
		if seq < before {
			delete(m.segs[rid], seq)
		}
	}
	if len(m.segs[rid]) == 0 {
		delete(m.segs, rid)
	}
	return nil
}

// Sequences lists the stored sequence numbers of rid in no particular order.
func (m *MemoryBackend) Sequences(rid media.RenditionID) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.segs[rid]))
	for seq := range m.segs[rid] {
		out = append(out, seq)
	}
	return out
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
