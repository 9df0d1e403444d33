// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"golang.org/x/net/netutil"
)

const (
	whipMaxOffer    = 64 << 10
	whipGatherLimit = 5 * time.Second
	sdpContentType  = "application/sdp"
)

// seqTracker counts RTP sequence gaps. Reordered and duplicate packets are
// ignored.
type seqTracker struct {
	init bool
	last uint16
}

func (t *seqTracker) observe(seq uint16) uint64 {
	if !t.init {
		t.init = true
		t.last = seq
		return 0
	}
	diff := seq - t.last
	if diff == 0 || diff > 0x8000 {
		return 0
	}
	t.last = seq
	return uint64(diff - 1)
}

// h264IsKey reports whether an Annex-B access unit contains an IDR slice.
func h264IsKey(au []byte) bool {
	for i := 0; i+3 < len(au); i++ {
		if au[i] != 0 || au[i+1] != 0 {
			continue
		}
		start := -1
		switch {
		case au[i+2] == 1:
			start = i + 3
		case au[i+2] == 0 && au[i+3] == 1 && i+4 < len(au):
			start = i + 4
		}
		if start >= 0 && start < len(au) && au[start]&0x1f == 5 {
			return true
		}
	}
	return false
}

// annexBConfig builds the AVC decoder configuration record from the
// parameter sets carried in an Annex-B access unit.
func annexBConfig(au []byte) []byte {
	nalus, _ := h264parser.SplitNALUs(au)
	var sps, pps []byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch n[0] & 0x1f {
		case 7:
			sps = n
		case 8:
			pps = n
		}
	}
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	cd, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
	if err != nil {
		return nil
	}
	return cd.AVCDecoderConfRecordBytes()
}

// rtpClock converts RTP timestamps of one track into presentation times on
// the session clock.
type rtpClock struct {
	rate   uint32
	base   uint32
	offset time.Duration
	init   bool
}

func (c *rtpClock) pts(ts uint32, sinceStart time.Duration) time.Duration {
	if !c.init {
		c.init = true
		c.base = ts
		c.offset = sinceStart
	}
	ticks := int64(ts - c.base)
	return c.offset + time.Duration(ticks*int64(time.Second)/int64(c.rate))
}

type whipAdapter struct {
	id     string
	key    media.StreamKey
	backup bool
	remote string
	pc     *webrtc.PeerConnection
	start  time.Time

	frames   chan media.Frame
	done     chan struct{}
	once     sync.Once
	counters transportCounters
}

func (a *whipAdapter) Protocol() media.Protocol { return media.ProtocolWebRTC }

func (a *whipAdapter) RemoteAddr() string { return a.remote }

func (a *whipAdapter) Handshake(context.Context) (Handshake, error) {
	return Handshake{
		Key:    a.key,
		Backup: a.backup,
		Source: media.SourceInfo{VideoCodec: "h264", AudioCodec: "opus"},
	}, nil
}

func (a *whipAdapter) Demux(ctx context.Context, push func(media.Frame) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case f := <-a.frames:
			if err := push(f); err != nil {
				return err
			}
		}
	}
}

func (a *whipAdapter) HealthSignal() TransportStats { return a.counters.stats() }

func (a *whipAdapter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		if a.pc != nil {
			err = a.pc.Close()
		}
	})
	return err
}

func (a *whipAdapter) emit(f media.Frame) bool {
	select {
	case a.frames <- f:
		return true
	case <-a.done:
		return false
	}
}

// readTrack depacketizes one remote track until it ends.
func (a *whipAdapter) readTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	var (
		dep   rtp.Depacketizer
		name  string
		video bool
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeH264):
		dep, name, video = &codecs.H264Packet{}, "h264", true
	case strings.ToLower(webrtc.MimeTypeOpus):
		dep, name = &codecs.OpusPacket{}, "opus"
	default:
		logger := log.WithComponent("ingest")
		logger.Warn().
			Str(log.FieldEvent, "ingest.whip_unsupported_track").
			Str(log.FieldCodec, codec.MimeType).
			Msg("ignoring unsupported track")
		return
	}

	sb := samplebuilder.New(128, dep, codec.ClockRate)
	clock := rtpClock{rate: codec.ClockRate}
	var (
		seq    seqTracker
		config []byte
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		a.counters.packets.Add(1)
		a.counters.bytes.Add(uint64(len(pkt.Payload)))
		if lost := seq.observe(pkt.SequenceNumber); lost > 0 {
			a.counters.lost.Add(lost)
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			pts := clock.pts(s.PacketTimestamp, time.Since(a.start))
			f := media.Frame{PTS: pts, DTS: pts, Codec: name, Data: s.Data, Type: media.FrameAudio}
			if video {
				f.Type = media.FrameDelta
				if h264IsKey(s.Data) {
					f.Type = media.FrameKey
					if c := annexBConfig(s.Data); c != nil {
						config = c
					}
					f.Config = config
				}
			}
			if !a.emit(f) {
				return
			}
		}
	}
}

// WHIPListener accepts WebRTC publishers over WHIP:
//
//	POST   /whip/{key}[?backup=1]  SDP offer -> 201 + SDP answer
//	DELETE /whip/resource/{id}     end the publish
type WHIPListener struct {
	addr     string
	maxConns int
	acceptor *Acceptor
	api      *webrtc.API
	conns    connSet

	mu        sync.Mutex
	srv       *http.Server
	ctx       context.Context
	resources map[string]*whipAdapter
	running   atomic.Bool
	wg        sync.WaitGroup
}

func newWebRTCAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func NewWHIPListener(addr string, maxConns int, acc *Acceptor) *WHIPListener {
	if maxConns <= 0 {
		maxConns = 256
	}
	return &WHIPListener{
		addr:      addr,
		maxConns:  maxConns,
		acceptor:  acc,
		resources: make(map[string]*whipAdapter),
	}
}

func (l *WHIPListener) Protocol() media.Protocol { return media.ProtocolWebRTC }

func (l *WHIPListener) Running() bool { return l.running.Load() }

// Handler exposes the WHIP routes, e.g. for mounting in tests.
func (l *WHIPListener) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/whip/{key}", l.handleOffer)
	r.Delete("/whip/resource/{id}", l.handleDelete)
	return r
}

func (l *WHIPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return nil
	}
	if l.api == nil {
		api, err := newWebRTCAPI()
		if err != nil {
			return fmt.Errorf("webrtc media engine: %w", err)
		}
		l.api = api
	}
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("whip listen %s: %w", l.addr, err)
	}
	l.ctx = ctx
	l.srv = &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	l.running.Store(true)
	srv := l.srv
	go func() {
		if err := srv.Serve(netutil.LimitListener(ln, l.maxConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := log.WithComponent("ingest")
			logger.Error().Err(err).
				Str(log.FieldEvent, "ingest.whip_server_failed").
				Msg("whip server stopped")
		}
	}()
	return nil
}

func (l *WHIPListener) Stop() error {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	l.running.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	l.conns.closeAll()
	l.wg.Wait()
	return err
}

func (l *WHIPListener) handleOffer(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).With().Str(log.FieldProtocol, string(media.ProtocolWebRTC)).Logger()
	if !strings.HasPrefix(r.Header.Get("Content-Type"), sdpContentType) {
		http.Error(w, "content type must be application/sdp", http.StatusUnsupportedMediaType)
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, whipMaxOffer))
	if err != nil || len(offer) == 0 {
		http.Error(w, "missing sdp offer", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	api, ctx := l.api, l.ctx
	l.mu.Unlock()
	if api == nil || !l.running.Load() {
		http.Error(w, "webrtc ingest is stopped", http.StatusServiceUnavailable)
		return
	}

	backup, _ := strconv.ParseBool(r.URL.Query().Get("backup"))
	ad := &whipAdapter{
		id:     uuid.NewString(),
		key:    media.StreamKey(chi.URLParam(r, "key")),
		backup: backup,
		remote: r.RemoteAddr,
		start:  time.Now(),
		frames: make(chan media.Frame, 256),
		done:   make(chan struct{}),
	}
	answer, err := l.negotiate(r.Context(), api, ad, string(offer))
	if err != nil {
		_ = ad.Close()
		logger.Warn().Err(err).Str(log.FieldEvent, "ingest.whip_negotiation_failed").Msg("sdp negotiation failed")
		http.Error(w, "sdp negotiation failed", http.StatusBadRequest)
		return
	}

	in, err := l.acceptor.Accept(r.Context(), ad)
	if err != nil {
		_ = ad.Close()
		switch {
		case errors.Is(err, media.ErrAuthFailed):
			http.Error(w, "stream key rejected", http.StatusUnauthorized)
		case errors.Is(err, media.ErrKeyInUse):
			http.Error(w, "stream key in use", http.StatusConflict)
		case errors.Is(err, media.ErrProtocolViolation):
			http.Error(w, "bad publish request", http.StatusBadRequest)
		default:
			http.Error(w, "publish failed", http.StatusServiceUnavailable)
		}
		return
	}

	l.mu.Lock()
	l.resources[ad.id] = ad
	l.mu.Unlock()
	l.conns.add(ad)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.conns.remove(ad)
			l.mu.Lock()
			delete(l.resources, ad.id)
			l.mu.Unlock()
		}()
		gauge := metrics.IngestConnections.WithLabelValues(string(media.ProtocolWebRTC))
		gauge.Inc()
		defer gauge.Dec()
		_ = in.Run(ctx)
	}()

	w.Header().Set("Content-Type", sdpContentType)
	w.Header().Set("Location", "/whip/resource/"+ad.id)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

func (l *WHIPListener) negotiate(ctx context.Context, api *webrtc.API, ad *whipAdapter, offer string) (string, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", err
	}
	ad.pc = pc
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return "", err
		}
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go ad.readTrack(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = ad.Close()
		}
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(whipGatherLimit):
		return "", errors.New("ice gathering timed out")
	}
	return pc.LocalDescription().SDP, nil
}

func (l *WHIPListener) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l.mu.Lock()
	ad := l.resources[id]
	l.mu.Unlock()
	if ad == nil {
		http.NotFound(w, r)
		return
	}
	_ = ad.Close()
	w.WriteHeader(http.StatusOK)
}
