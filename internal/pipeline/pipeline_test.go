package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/ingest"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/ManuGH/xglive/internal/transcode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testKey media.StreamKey = "live_news_key"

type staticCatalog map[media.StreamKey]media.Channel

func (c staticCatalog) LookupByKey(_ context.Context, key media.StreamKey) (media.Channel, error) {
	ch, ok := c[key]
	if !ok {
		return media.Channel{}, media.ErrAuthFailed
	}
	return ch, nil
}

func (c staticCatalog) Get(_ context.Context, id string) (media.Channel, error) {
	for _, ch := range c {
		if ch.ID == id {
			return ch, nil
		}
	}
	return media.Channel{}, media.ErrNotFound
}

var testLadder = []media.RenditionSpec{
	{Name: "hi", VideoBitrate: 2000, Codec: "h264"},
	{Name: "lo", VideoBitrate: 500, Codec: "h264", Profile: "baseline"},
}

type harness struct {
	t     *testing.T
	clock *testutil.ManualClock
	base  time.Time
	bus   *events.MemoryBus
	reg   *session.Registry
	store *store.MemoryBackend
	core  *Core
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(base)
	bus := events.NewMemoryBus()
	em := &events.Emitter{Bus: bus, Now: clock.Now}
	reg := session.NewRegistry(session.Options{HealthTimeout: 5 * time.Second, Clock: clock, Emitter: em})
	st := store.NewMemoryBackend()
	core, err := NewCore(Options{
		Catalog: staticCatalog{testKey: {
			ID:        "news",
			StreamKey: string(testKey),
			Ladder:    testLadder,
		}},
		Registry:                reg,
		Store:                   st,
		Emitter:                 em,
		Clock:                   clock,
		Transcode:               transcode.Options{QueueSize: 64, Factory: transcode.ShapingFactory},
		Packager:                packager.Options{SegmentTarget: 2 * time.Second, DVRWindow: time.Minute},
		QueueSize:               64,
		DrainTimeout:            5 * time.Second,
		DiscontinuityOnFailover: true,
	})
	require.NoError(t, err)
	return &harness{t: t, clock: clock, base: base, bus: bus, reg: reg, store: st, core: core}
}

func (h *harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(h.t, h.core.Close(ctx))
}

func (h *harness) open(backup bool) ingest.Publication {
	h.t.Helper()
	pub, err := h.core.Open(context.Background(), ingest.PublishRequest{
		Protocol: media.ProtocolRTMP,
		Key:      testKey,
		Backup:   backup,
		Source:   media.SourceInfo{VideoCodec: "h264", Profile: "high", FrameRate: 30},
	})
	require.NoError(h.t, err)
	return pub
}

// ptsOf is the presentation time of frame i at 30 fps.
func ptsOf(i int) time.Duration { return time.Duration(i) * time.Second / 30 }

func frameIndex(d time.Duration) int { return int(d * 30 / time.Second) }

func testLogger() zerolog.Logger { return zerolog.Nop() }

// framesAt returns the video frame at pts, a key frame on whole seconds, and
// its audio frame.
func framesAt(pts time.Duration) []media.Frame {
	typ := media.FrameDelta
	if pts%time.Second == 0 {
		typ = media.FrameKey
	}
	audio := testutil.AudioFrame(pts)
	audio.Data = make([]byte, 100)
	return []media.Frame{testutil.SizedVideoFrame(typ, pts, byte(frameIndex(pts)), 4000), audio}
}

func (h *harness) push(pub ingest.Publication, pts time.Duration) {
	h.t.Helper()
	for _, f := range framesAt(pts) {
		require.NoError(h.t, pub.Push(context.Background(), f))
	}
}

// publish streams [from, to) at 30 fps on the manual clock.
func (h *harness) publish(pub ingest.Publication, from, to time.Duration) {
	h.t.Helper()
	for i := frameIndex(from); i < frameIndex(to); i++ {
		h.clock.Set(h.base.Add(ptsOf(i)))
		h.push(pub, ptsOf(i))
	}
}

func sequences(s *packager.Snapshot) []uint64 {
	out := make([]uint64, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Sequence)
	}
	return out
}

func discontinuities(s *packager.Snapshot) []uint64 {
	var out []uint64
	for _, e := range s.Entries {
		if e.Discontinuity {
			out = append(out, e.Sequence)
		}
	}
	return out
}

func (h *harness) snapshot(name string) *packager.Snapshot {
	h.t.Helper()
	out, ok := h.core.Output("news")
	require.True(h.t, ok)
	snap, ok := out.Snapshot(name)
	require.True(h.t, ok)
	return snap
}

func TestCore_TenSecondsTwoRenditions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	defer h.close()

	pub := h.open(false)
	h.publish(pub, 0, 10*time.Second)
	pub.Close(media.ReasonEndOfStream)

	select {
	case <-pub.Done():
	default:
		t.Fatal("session still running after Close")
	}

	for _, spec := range testLadder {
		snap := h.snapshot(spec.Name)
		assert.Equal(t, []uint64{0, 1, 2, 3, 4}, sequences(snap), spec.Name)
		assert.Empty(t, discontinuities(snap), spec.Name)
		assert.Equal(t, uint64(0), snap.MediaSequence())
		assert.True(t, snap.Ended)
		for i, e := range snap.Entries[:4] {
			assert.Equal(t, 2*time.Second, e.Duration, "%s seq %d", spec.Name, i)
		}
		rid := media.NewRenditionID("news", spec.Name)
		for _, seq := range sequences(snap) {
			_, err := h.store.Get(context.Background(), rid, seq)
			assert.NoError(t, err, "%s seq %d advertised but not stored", spec.Name, seq)
		}
	}

	out, _ := h.core.Output("news")
	playlist, err := packager.RenderHLS(h.snapshot("hi"))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), "#EXT-X-ENDLIST")
	_, err = out.Master()
	require.NoError(t, err)
}

func TestCore_ChannelEndedHookSeesEndedOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	defer h.close()

	ended := make(chan *packager.Output, 1)
	h.core.opts.OnChannelEnded = func(out *packager.Output) { ended <- out }

	pub := h.open(false)
	h.publish(pub, 0, 4*time.Second)
	pub.Close(media.ReasonEndOfStream)

	select {
	case out := <-ended:
		assert.Equal(t, "news", out.ChannelID())
		snap, ok := out.Snapshot("hi")
		require.True(t, ok)
		assert.True(t, snap.Ended)
	case <-time.After(5 * time.Second):
		t.Fatal("channel ended hook not called")
	}
}

func TestCore_FailoverToBackup(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	rec := testutil.RecordEvents(t, h.bus)

	primary := h.open(false)
	var backup ingest.Publication
	swept := false
	for i := 0; i < frameIndex(20*time.Second); i++ {
		pts := ptsOf(i)
		h.clock.Set(h.base.Add(pts))
		if pts >= 15*time.Second && !swept {
			h.reg.Sweep(h.clock.Now())
			swept = true
			require.NotNil(t, h.reg.Active("news"))
			assert.Equal(t, backup.ID(), h.reg.Active("news").ID)
		}
		if pts < 10*time.Second {
			h.push(primary, pts)
		}
		if pts >= 3*time.Second {
			if backup == nil {
				backup = h.open(true)
			}
			h.push(backup, pts)
		}
	}
	backup.Close(media.ReasonEndOfStream)
	primary.Close(media.ReasonDisconnect)

	for _, spec := range testLadder {
		snap := h.snapshot(spec.Name)
		seqs := sequences(snap)
		require.Greater(t, len(seqs), 7, spec.Name)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i), seq, "%s: numbering continues across failover", spec.Name)
		}
		assert.Equal(t, []uint64{5}, discontinuities(snap), spec.Name)
		assert.True(t, snap.Ended)

		// No playable gap beyond one target duration at the switch.
		before, after := snap.Entries[4], snap.Entries[5]
		assert.LessOrEqual(t, after.PTS-(before.PTS+before.Duration), 2*time.Second, spec.Name)
	}

	require.Eventually(t, func() bool {
		return len(rec.OfType(events.Failover)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, media.ReasonHealthTimeout, rec.OfType(events.Failover)[0].Reason)
}

func TestCore_OperatorFailoverReplaysFromStandby(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	primary := h.open(false)
	backup := h.open(true)
	for i := 0; i < frameIndex(6*time.Second); i++ {
		h.clock.Set(h.base.Add(ptsOf(i)))
		h.push(primary, ptsOf(i))
		h.push(backup, ptsOf(i))
	}
	require.NoError(t, h.reg.Failover("news"))

	select {
	case <-primary.Done():
	default:
		t.Fatal("old active still running after promotion")
	}
	assert.ErrorIs(t, primary.Push(context.Background(), framesAt(6*time.Second)[0]), ingest.ErrQueueClosed)

	h.publish(backup, 6*time.Second, 10*time.Second)
	backup.Close(media.ReasonEndOfStream)

	snap := h.snapshot("hi")
	seqs := sequences(snap)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i), seq)
	}
	disc := discontinuities(snap)
	require.Len(t, disc, 1)
	assert.Equal(t, uint64(3), disc[0], "primary sealed 0-2 and its tail, backup continues")
}

func TestCore_RejectsSecondPrimaryAndUnknownKey(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	first := h.open(false)
	_, err := h.core.Open(context.Background(), ingest.PublishRequest{Protocol: media.ProtocolSRT, Key: testKey})
	assert.ErrorIs(t, err, media.ErrKeyInUse)

	_, err = h.core.Open(context.Background(), ingest.PublishRequest{Protocol: media.ProtocolRTMP, Key: "nope"})
	assert.ErrorIs(t, err, media.ErrAuthFailed)

	first.Close(media.ReasonDisconnect)
}

func TestCore_RepublishContinuesNumberingWithDiscontinuity(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	pub := h.open(false)
	h.publish(pub, 0, 4*time.Second)
	pub.Close(media.ReasonDisconnect)
	assert.True(t, h.snapshot("lo").Ended)

	pub = h.open(false)
	assert.False(t, h.snapshot("lo").Ended, "republish reopens the manifest")
	h.publish(pub, 0, 4*time.Second)
	pub.Close(media.ReasonEndOfStream)

	snap := h.snapshot("lo")
	assert.Equal(t, []uint64{0, 1, 2, 3}, sequences(snap))
	assert.Equal(t, []uint64{2}, discontinuities(snap))
}

func TestCore_HealthTimeoutWithoutStandbyEndsChannel(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	pub := h.open(false)
	h.publish(pub, 0, 3*time.Second)
	h.clock.Advance(6 * time.Second)
	h.reg.Sweep(h.clock.Now())

	select {
	case <-pub.Done():
	default:
		t.Fatal("silent session not terminated")
	}
	snap := h.snapshot("hi")
	assert.True(t, snap.Ended)
	assert.Equal(t, []uint64{0, 1}, sequences(snap), "partial segment is sealed on termination")
	assert.Equal(t, session.StateIdle, h.reg.State("news"))
}

func TestGate_RetainsWindowFromKeyFrame(t *testing.T) {
	st := store.NewMemoryBackend()
	seg := packager.NewSegmenter("news", testLadder[0], st, nil, packager.Options{})
	g := newGate(seg, 2*time.Second, testLogger())

	for i := 0; i < frameIndex(6*time.Second); i++ {
		g.push(context.Background(), media.Encoded{Frame: framesAt(ptsOf(i))[0]})
	}
	// newest is 5.967s, so the window starts at the latest key at or before 3.967s
	held := g.retained()
	assert.Equal(t, 90, held, "3s..5.967s at 30 fps")

	n := g.goLive(context.Background(), resume{pts: 4500 * time.Millisecond, ok: true})
	assert.Equal(t, 30, n, "replay starts at the first key after the resume point")
	assert.True(t, g.isLive())
	assert.Equal(t, 0, g.retained())

	last := g.stop()
	assert.True(t, last.ok)
	assert.Equal(t, ptsOf(179), last.pts)
	assert.Equal(t, 0, g.goLive(context.Background(), resume{}), "stopped gates stay stopped")
}

func TestReplayStart(t *testing.T) {
	key := func(s int) media.Encoded {
		return media.Encoded{Frame: media.Frame{Type: media.FrameKey, PTS: time.Duration(s) * time.Second}}
	}
	delta := media.Encoded{Frame: media.Frame{Type: media.FrameDelta}}
	buf := []media.Encoded{delta, key(1), delta, key(2), delta}

	assert.Equal(t, 3, replayStart(buf, resume{pts: time.Second, ok: true}))
	assert.Equal(t, 3, replayStart(buf, resume{pts: 5 * time.Second, ok: true}), "falls back to newest key")
	assert.Equal(t, 3, replayStart(buf, resume{}))
	assert.Equal(t, 2, replayStart([]media.Encoded{delta, delta}, resume{}))
}

func TestGate_ReplaysDegradedState(t *testing.T) {
	st := store.NewMemoryBackend()
	seg := packager.NewSegmenter("news", testLadder[1], st, nil, packager.Options{})
	g := newGate(seg, time.Hour, testLogger())

	g.push(context.Background(), media.Encoded{Frame: framesAt(0)[0]})
	g.push(context.Background(), media.Encoded{Status: media.StatusDegraded})
	g.push(context.Background(), media.Encoded{Frame: framesAt(time.Second)[0]})
	g.goLive(context.Background(), resume{pts: 500 * time.Millisecond, ok: true})

	assert.True(t, seg.Manifest().Snapshot().Degraded)
}
