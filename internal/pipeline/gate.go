package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/rs/zerolog"
)

// resume is where a promoted standby picks up: the presentation time of the
// last frame the previous source delivered.
type resume struct {
	pts time.Duration
	ok  bool
}

func (r *resume) merge(pts time.Duration) {
	if !r.ok || pts > r.pts {
		r.pts, r.ok = pts, true
	}
}

// gate sits between one rendition's encoder output and its segmenter. While
// standby it retains the most recent window of output starting at a key
// frame; once live it forwards everything. A stopped gate discards.
type gate struct {
	mu     sync.Mutex
	seg    *packager.Segmenter
	window time.Duration
	logger zerolog.Logger

	live    bool
	stopped bool
	last    resume

	buf []media.Encoded

	// degraded state at buf[0]
	baseDegraded bool
}

func newGate(seg *packager.Segmenter, window time.Duration, logger zerolog.Logger) *gate {
	return &gate{seg: seg, window: window, logger: logger}
}

func (g *gate) push(ctx context.Context, e media.Encoded) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.stopped:
	case g.live:
		g.forwardLocked(ctx, e)
	default:
		g.holdLocked(e)
	}
}

func (g *gate) forwardLocked(ctx context.Context, e media.Encoded) {
	if e.IsFrame() {
		g.last.merge(e.Frame.PTS)
	}
	if err := g.seg.Push(ctx, e); err != nil {
		g.logger.Debug().Err(err).Msg("segmenter push")
	}
}

func (g *gate) holdLocked(e media.Encoded) {
	if e.Cut != nil && e.Cut.EndOfStream {
		return
	}
	g.buf = append(g.buf, e)
	if !e.IsFrame() {
		return
	}
	cutoff := e.Frame.PTS - g.window
	k := -1
	for i, held := range g.buf {
		if !held.IsFrame() || !held.Frame.IsKey() {
			continue
		}
		if held.Frame.PTS > cutoff {
			break
		}
		k = i
	}
	if k <= 0 {
		return
	}
	g.baseDegraded = degradedAfter(g.baseDegraded, g.buf[:k])
	clear(g.buf[:k])
	g.buf = g.buf[k:]
}

func degradedAfter(state bool, items []media.Encoded) bool {
	for _, e := range items {
		switch e.Status {
		case media.StatusDegraded:
			state = true
		case media.StatusRecovered:
			state = false
		}
	}
	return state
}

// replayStart picks the first retained key frame after from, falling back
// to the newest retained key frame. It returns len(buf) when nothing
// retained starts with a key frame.
func replayStart(buf []media.Encoded, from resume) int {
	latest := -1
	for i, e := range buf {
		if !e.IsFrame() || !e.Frame.IsKey() {
			continue
		}
		if from.ok && e.Frame.PTS > from.pts {
			return i
		}
		latest = i
	}
	if latest < 0 {
		return len(buf)
	}
	return latest
}

// goLive replays the retained output from the resume point and switches the
// gate to forwarding. It reports the number of replayed elements.
func (g *gate) goLive(ctx context.Context, from resume) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live || g.stopped {
		return 0
	}
	start := replayStart(g.buf, from)
	if degradedAfter(g.baseDegraded, g.buf[:start]) {
		g.forwardLocked(ctx, media.Encoded{
			Status: media.StatusDegraded,
			Err:    fmt.Errorf("%w: degraded while standby", media.ErrEncodeFailure),
		})
	}
	replay := g.buf[start:]
	for _, e := range replay {
		g.forwardLocked(ctx, e)
	}
	metrics.FailoverReplayedTotal.WithLabelValues(g.seg.Rendition().Name()).Add(float64(len(replay)))
	g.buf = nil
	g.live = true
	return len(replay)
}

// stop ends delivery for good and returns the last delivered position. It
// waits for an in-flight segmenter push.
func (g *gate) stop() resume {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.live = false
	g.buf = nil
	return g.last
}

func (g *gate) isLive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

func (g *gate) retained() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buf)
}
