package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func frame(t media.FrameType, pts time.Duration) media.Frame {
	return media.Frame{Type: t, PTS: pts, DTS: pts, Data: []byte{1, 2, 3}}
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, frame(media.FrameDelta, time.Duration(i))))
	}
	for i := 0; i < 3; i++ {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i), f.PTS)
	}
}

func TestFrameQueue_DropsOldestDroppable(t *testing.T) {
	q := NewFrameQueue(3)
	var dropped []media.Frame
	q.OnDrop = func(f media.Frame) { dropped = append(dropped, f) }
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, frame(media.FrameKey, 0)))
	require.NoError(t, q.Push(ctx, frame(media.FrameAudio, 1)))
	require.NoError(t, q.Push(ctx, frame(media.FrameDelta, 2)))
	require.NoError(t, q.Push(ctx, frame(media.FrameKey, 3)))

	require.Len(t, dropped, 1)
	assert.Equal(t, time.Duration(2), dropped[0].PTS)

	var got []media.FrameType
	for q.Len() > 0 {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		got = append(got, f.Type)
	}
	assert.Equal(t, []media.FrameType{media.FrameKey, media.FrameAudio, media.FrameKey}, got)
}

func TestFrameQueue_BlocksWhenNothingDroppable(t *testing.T) {
	q := NewFrameQueue(2)
	var blocked atomic.Int32
	q.OnBlock = func() { blocked.Add(1) }
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, frame(media.FrameKey, 0)))
	require.NoError(t, q.Push(ctx, frame(media.FrameAudio, 1)))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, frame(media.FrameAudio, 2)) }()

	select {
	case <-pushed:
		t.Fatal("push must block while the queue holds only essential frames")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int32(1), blocked.Load())

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, <-pushed)
	assert.Equal(t, 2, q.Len())
}

func TestFrameQueue_PushHonoursContext(t *testing.T) {
	q := NewFrameQueue(2)
	require.NoError(t, q.Push(context.Background(), frame(media.FrameKey, 0)))
	require.NoError(t, q.Push(context.Background(), frame(media.FrameKey, 1)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, frame(media.FrameKey, 2)), context.DeadlineExceeded)
}

func TestFrameQueue_CloseDrainsThenEOF(t *testing.T) {
	q := NewFrameQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, frame(media.FrameKey, 0)))
	q.Close()
	assert.ErrorIs(t, q.Push(ctx, frame(media.FrameKey, 1)), ErrQueueClosed)
	_, err := q.Pop(ctx)
	require.NoError(t, err)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		LossThreshold:        0.05,
		BitrateCollapseRatio: 0.25,
		SilenceTimeout:       2 * time.Second,
		Window:               time.Second,
		EventInterval:        10 * time.Second,
	}
}

func kinds(as []Anomaly) []string {
	var out []string
	for _, a := range as {
		out = append(out, a.Kind)
	}
	return out
}

func TestMonitor_PacketLoss(t *testing.T) {
	t0 := time.Unix(0, 0)
	m := NewMonitor(monitorConfig(), media.ProtocolSRT, media.SourceInfo{}, t0)
	m.Observe(frame(media.FrameKey, 0), t0.Add(500*time.Millisecond))
	got := m.Check(t0.Add(time.Second), TransportStats{PacketsReceived: 90, PacketsLost: 10})
	assert.Equal(t, []string{AnomalyPacketLoss}, kinds(got))

	// rate limited on the next window
	m.Observe(frame(media.FrameKey, 0), t0.Add(1500*time.Millisecond))
	got = m.Check(t0.Add(2*time.Second), TransportStats{PacketsReceived: 180, PacketsLost: 20})
	assert.Empty(t, got)
}

func TestMonitor_BitrateCollapseAgainstAnnounced(t *testing.T) {
	t0 := time.Unix(0, 0)
	// announced 1000 kbps; 1 KiB in a second is far below 25%
	m := NewMonitor(monitorConfig(), media.ProtocolRTMP, media.SourceInfo{Bitrate: 1000}, t0)
	m.Observe(media.Frame{Type: media.FrameKey, Data: make([]byte, 1024)}, t0.Add(900*time.Millisecond))
	got := m.Check(t0.Add(time.Second), TransportStats{})
	assert.Equal(t, []string{AnomalyBitrateCollapse}, kinds(got))
}

func TestMonitor_BitrateCollapseAgainstPeak(t *testing.T) {
	t0 := time.Unix(0, 0)
	m := NewMonitor(monitorConfig(), media.ProtocolRTMP, media.SourceInfo{}, t0)
	m.Observe(media.Frame{Type: media.FrameKey, Data: make([]byte, 100_000)}, t0.Add(500*time.Millisecond))
	assert.Empty(t, m.Check(t0.Add(time.Second), TransportStats{}))

	m.Observe(media.Frame{Type: media.FrameDelta, Data: make([]byte, 1000)}, t0.Add(1500*time.Millisecond))
	got := m.Check(t0.Add(2*time.Second), TransportStats{})
	assert.Equal(t, []string{AnomalyBitrateCollapse}, kinds(got))
}

func TestMonitor_Silence(t *testing.T) {
	t0 := time.Unix(0, 0)
	m := NewMonitor(monitorConfig(), media.ProtocolRTMP, media.SourceInfo{}, t0)
	got := m.Check(t0.Add(3*time.Second), TransportStats{})
	assert.Equal(t, []string{AnomalySilence}, kinds(got))
}

func TestParsePublishPath(t *testing.T) {
	u, _ := url.Parse("rtmp://host/live/abc123?backup=1")
	key, backup, err := parsePublishPath(u)
	require.NoError(t, err)
	assert.Equal(t, media.StreamKey("abc123"), key)
	assert.True(t, backup)

	for _, bad := range []string{"rtmp://host/app/abc/extra", "rtmp://host/live/", "rtmp://host/other/abc"} {
		u, _ := url.Parse(bad)
		_, _, err := parsePublishPath(u)
		assert.ErrorIs(t, err, media.ErrProtocolViolation, bad)
	}
}

func TestParseStreamID(t *testing.T) {
	key, backup, err := parseStreamID("abc:backup")
	require.NoError(t, err)
	assert.Equal(t, media.StreamKey("abc"), key)
	assert.True(t, backup)

	_, backup, err = parseStreamID("abc")
	require.NoError(t, err)
	assert.False(t, backup)

	_, _, err = parseStreamID(":backup")
	assert.ErrorIs(t, err, media.ErrProtocolViolation)
	_, _, err = parseStreamID("abc:play")
	assert.ErrorIs(t, err, media.ErrProtocolViolation)
}

type fakeCodec struct{ t av.CodecType }

func (c fakeCodec) Type() av.CodecType { return c.t }

func TestFrameFromPacket(t *testing.T) {
	streams := []av.CodecData{fakeCodec{av.H264}, fakeCodec{av.AAC}}

	f, err := frameFromPacket(av.Packet{Idx: 0, IsKeyFrame: true, Time: time.Second, CompositionTime: 40 * time.Millisecond}, streams)
	require.NoError(t, err)
	assert.Equal(t, media.FrameKey, f.Type)
	assert.Equal(t, time.Second, f.DTS)
	assert.Equal(t, time.Second+40*time.Millisecond, f.PTS)
	assert.Equal(t, "h264", f.Codec)

	f, err = frameFromPacket(av.Packet{Idx: 1}, streams)
	require.NoError(t, err)
	assert.Equal(t, media.FrameAudio, f.Type)

	_, err = frameFromPacket(av.Packet{Idx: 5}, streams)
	assert.ErrorIs(t, err, media.ErrProtocolViolation)

	src := sourceInfo(streams)
	assert.Equal(t, "h264", src.VideoCodec)
	assert.Equal(t, "aac", src.AudioCodec)
}

func TestFrameFromPacket_CarriesCodecConfig(t *testing.T) {
	video, err := h264parser.NewCodecDataFromSPSAndPPS(testutil.H264SPS, testutil.H264PPS)
	require.NoError(t, err)
	audio, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(testutil.AACConfig)
	require.NoError(t, err)
	streams := []av.CodecData{video, audio}

	src := sourceInfo(streams)
	assert.Equal(t, 1280, src.Width)
	assert.Equal(t, 720, src.Height)
	assert.Equal(t, "baseline", src.Profile)

	key, err := frameFromPacket(av.Packet{Idx: 0, IsKeyFrame: true}, streams)
	require.NoError(t, err)
	assert.Equal(t, testutil.H264Config(), key.Config)

	delta, err := frameFromPacket(av.Packet{Idx: 0}, streams)
	require.NoError(t, err)
	assert.Nil(t, delta.Config)

	aac, err := frameFromPacket(av.Packet{Idx: 1}, streams)
	require.NoError(t, err)
	assert.Equal(t, testutil.AACConfig, aac.Config)
}

func TestAnnexBConfig(t *testing.T) {
	au := []byte{0, 0, 0, 1}
	au = append(au, testutil.H264SPS...)
	au = append(au, 0, 0, 0, 1)
	au = append(au, testutil.H264PPS...)
	au = append(au, 0, 0, 1, 0x65, 0x88, 0x84)
	assert.Equal(t, testutil.H264Config(), annexBConfig(au))

	assert.Nil(t, annexBConfig([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84}), "IDR without parameter sets")
}

func TestSeqTracker(t *testing.T) {
	var s seqTracker
	assert.Zero(t, s.observe(65534))
	assert.Zero(t, s.observe(65535))
	assert.Equal(t, uint64(2), s.observe(2)) // wrapped, 0 and 1 lost
	assert.Zero(t, s.observe(1))             // late packet ignored
	assert.Zero(t, s.observe(3))
}

func TestH264IsKey(t *testing.T) {
	idr := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 1, 0x65, 0x88}
	nonIDR := []byte{0, 0, 0, 1, 0x41, 0x9a}
	assert.True(t, h264IsKey(idr))
	assert.False(t, h264IsKey(nonIDR))
}

func TestRTPClock(t *testing.T) {
	c := rtpClock{rate: 90000}
	assert.Equal(t, 2*time.Second, c.pts(1000, 2*time.Second))
	assert.Equal(t, 3*time.Second, c.pts(1000+90000, 9*time.Second))
	// wraparound
	c = rtpClock{rate: 90000}
	c.pts(4294967000, 0)
	assert.Equal(t, time.Duration(int64(296+9000)*int64(time.Second)/90000), c.pts(9000, 0))
}

// fakeAdapter replays a fixed frame list.
type fakeAdapter struct {
	hs       Handshake
	hsErr    error
	frames   []media.Frame
	hold     bool // block after frames until closed
	demuxErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeAdapter(hs Handshake, frames ...media.Frame) *fakeAdapter {
	return &fakeAdapter{hs: hs, frames: frames, closed: make(chan struct{})}
}

func (a *fakeAdapter) Protocol() media.Protocol { return media.ProtocolRTMP }
func (a *fakeAdapter) RemoteAddr() string       { return "192.0.2.1:5000" }
func (a *fakeAdapter) Handshake(context.Context) (Handshake, error) {
	return a.hs, a.hsErr
}
func (a *fakeAdapter) Demux(ctx context.Context, push func(media.Frame) error) error {
	for _, f := range a.frames {
		if err := push(f); err != nil {
			return err
		}
	}
	if a.hold {
		select {
		case <-a.closed:
		case <-ctx.Done():
		}
	}
	return a.demuxErr
}
func (a *fakeAdapter) HealthSignal() TransportStats { return TransportStats{} }
func (a *fakeAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

type fakePub struct {
	id      string
	mu      sync.Mutex
	frames  []media.Frame
	reasons []media.ReasonCode
	done    chan struct{}
	once    sync.Once
}

func (p *fakePub) ID() string { return p.id }
func (p *fakePub) Push(_ context.Context, f media.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}
func (p *fakePub) Signal(Anomaly) {}
func (p *fakePub) Close(reason media.ReasonCode) {
	p.mu.Lock()
	p.reasons = append(p.reasons, reason)
	p.mu.Unlock()
	p.end()
}
func (p *fakePub) end()                  { p.once.Do(func() { close(p.done) }) }
func (p *fakePub) Done() <-chan struct{} { return p.done }

type fakeSink struct {
	err error
	pub *fakePub
	req PublishRequest
}

func (s *fakeSink) Open(_ context.Context, req PublishRequest) (Publication, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	s.pub = &fakePub{id: "sess-1", done: make(chan struct{})}
	return s.pub, nil
}

func TestAcceptor_ServeDeliversFramesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sink := &fakeSink{}
	acc := NewAcceptor(sink, monitorConfig())
	ad := newFakeAdapter(Handshake{Key: "k", Backup: true},
		frame(media.FrameKey, 0), frame(media.FrameDelta, 1), frame(media.FrameAudio, 2))

	require.NoError(t, acc.Serve(context.Background(), ad))
	assert.True(t, sink.req.Backup)
	assert.Equal(t, media.StreamKey("k"), sink.req.Key)
	require.Len(t, sink.pub.frames, 3)
	for i, f := range sink.pub.frames {
		assert.Equal(t, time.Duration(i), f.PTS)
		assert.Equal(t, "sess-1", f.SessionID)
	}
	assert.Equal(t, []media.ReasonCode{media.ReasonEndOfStream}, sink.pub.reasons)
}

func TestAcceptor_ErrorsAreClassified(t *testing.T) {
	acc := NewAcceptor(&fakeSink{err: media.ErrAuthFailed}, monitorConfig())
	_, err := acc.Accept(context.Background(), newFakeAdapter(Handshake{Key: "k"}))
	assert.ErrorIs(t, err, media.ErrAuthFailed)

	acc = NewAcceptor(&fakeSink{err: media.ErrKeyInUse}, monitorConfig())
	_, err = acc.Accept(context.Background(), newFakeAdapter(Handshake{Key: "k"}))
	assert.ErrorIs(t, err, media.ErrKeyInUse)

	ad := newFakeAdapter(Handshake{})
	ad.hsErr = errors.New("garbage")
	_, err = acc.Accept(context.Background(), ad)
	assert.ErrorIs(t, err, media.ErrProtocolViolation)

	_, err = acc.Accept(context.Background(), newFakeAdapter(Handshake{}))
	assert.ErrorIs(t, err, media.ErrProtocolViolation, "empty key")
}

func TestAcceptor_DemuxViolationClosesWithReason(t *testing.T) {
	sink := &fakeSink{}
	acc := NewAcceptor(sink, monitorConfig())
	ad := newFakeAdapter(Handshake{Key: "k"}, frame(media.FrameKey, 0))
	ad.demuxErr = media.ErrProtocolViolation
	err := acc.Serve(context.Background(), ad)
	assert.ErrorIs(t, err, media.ErrProtocolViolation)
	assert.Equal(t, []media.ReasonCode{media.ReasonProtocolViolation}, sink.pub.reasons)
}

func TestAcceptor_DTSRegressionIsProtocolViolation(t *testing.T) {
	sink := &fakeSink{}
	acc := NewAcceptor(sink, monitorConfig())
	ad := newFakeAdapter(Handshake{Key: "k"},
		frame(media.FrameKey, 100*time.Millisecond),
		frame(media.FrameAudio, 20*time.Millisecond),
		frame(media.FrameDelta, 10*time.Millisecond),
		frame(media.FrameDelta, 200*time.Millisecond))

	err := acc.Serve(context.Background(), ad)
	assert.ErrorIs(t, err, media.ErrProtocolViolation)
	require.Len(t, sink.pub.frames, 2, "audio runs on its own clock; the video regression stops the session")
	assert.Equal(t, []media.ReasonCode{media.ReasonProtocolViolation}, sink.pub.reasons)
}

func TestDTSOrder(t *testing.T) {
	var o dtsOrder
	require.NoError(t, o.check(frame(media.FrameKey, time.Second)))
	require.NoError(t, o.check(frame(media.FrameDelta, time.Second)), "equal dts is allowed")
	require.NoError(t, o.check(frame(media.FrameMetadata, 0)))
	require.NoError(t, o.check(frame(media.FrameAudio, 0)))
	assert.ErrorIs(t, o.check(frame(media.FrameDelta, time.Second-1)), media.ErrProtocolViolation)
}

func TestAcceptor_RegistryEndClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sink := &fakeSink{}
	acc := NewAcceptor(sink, monitorConfig())
	ad := newFakeAdapter(Handshake{Key: "k"}, frame(media.FrameKey, 0))
	ad.hold = true

	in, err := acc.Accept(context.Background(), ad)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- in.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		sink.pub.mu.Lock()
		defer sink.pub.mu.Unlock()
		return len(sink.pub.frames) == 1
	}, time.Second, time.Millisecond)
	sink.pub.end() // e.g. health timeout decided by the registry

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the session ended")
	}
	assert.Empty(t, sink.pub.reasons, "registry-ended sessions are not closed again")
	select {
	case <-ad.closed:
	default:
		t.Fatal("adapter not closed")
	}
}

type fakeListener struct {
	proto   media.Protocol
	running bool
}

func (l *fakeListener) Protocol() media.Protocol    { return l.proto }
func (l *fakeListener) Start(context.Context) error { l.running = true; return nil }
func (l *fakeListener) Stop() error                 { l.running = false; return nil }
func (l *fakeListener) Running() bool               { return l.running }

func TestManager_StartStop(t *testing.T) {
	cfg := config.IngestConfig{RTMP: config.ListenerConfig{Enabled: true}, SRT: config.ListenerConfig{Enabled: true}}
	m := &Manager{cfg: cfg, listeners: map[media.Protocol]Listener{}}
	for _, p := range media.Protocols {
		m.listeners[p] = &fakeListener{proto: p}
	}
	require.NoError(t, m.StartEnabled(context.Background()))
	assert.Equal(t, []media.Protocol{media.ProtocolRTMP, media.ProtocolSRT}, m.Running())

	require.NoError(t, m.Stop(media.ProtocolSRT))
	require.NoError(t, m.Start(context.Background(), media.ProtocolWebRTC))
	assert.Equal(t, map[media.Protocol]bool{
		media.ProtocolRTMP: true, media.ProtocolSRT: false, media.ProtocolWebRTC: true,
	}, m.Status())

	assert.ErrorIs(t, m.Start(context.Background(), "hls"), ErrUnknownProtocol)
	require.NoError(t, m.Close())
	assert.Empty(t, m.Running())
}

func TestWHIP_RejectsBadRequests(t *testing.T) {
	l := NewWHIPListener("127.0.0.1:0", 4, NewAcceptor(&fakeSink{}, monitorConfig()))
	srv := httptest.NewServer(l.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/whip/key", "text/plain", strings.NewReader("v=0"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/whip/key", sdpContentType, strings.NewReader("v=0"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "listener not started")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/whip/resource/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
