package mpegts

import (
	"bytes"
	"slices"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gop(start time.Duration, n int) []media.Frame {
	var out []media.Frame
	for i := 0; i < n; i++ {
		pts := start + time.Duration(i)*40*time.Millisecond
		typ := media.FrameDelta
		if i == 0 {
			typ = media.FrameKey
		}
		out = append(out, testutil.VideoFrame(typ, pts, byte(i)), testutil.AudioFrame(pts))
	}
	return out
}

func TestMux_RoundTrip(t *testing.T) {
	in := gop(2*time.Second, 5)
	payload, err := Mux(in)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	assert.Zero(t, len(payload)%188, "whole transport packets")
	assert.Equal(t, byte(0x47), payload[0])

	out, err := Demux(payload)
	require.NoError(t, err)
	var video, audio []media.Frame
	for _, f := range out {
		if f.IsVideo() {
			video = append(video, f)
		} else {
			audio = append(audio, f)
		}
	}
	require.Len(t, video, 5)
	require.Len(t, audio, 5)
	assert.True(t, video[0].IsKey())
	assert.Equal(t, testutil.H264Config(), video[0].Config)
	for i, f := range video {
		assert.Equal(t, in[2*i].PTS, f.PTS)
		assert.Equal(t, in[2*i].Data, f.Data, "frame %d", i)
		if i > 0 {
			assert.Equal(t, media.FrameDelta, f.Type)
		}
	}
	assert.Equal(t, testutil.AACConfig, audio[0].Config)
	assert.Equal(t, in[1].Data, audio[0].Data)
	assert.Equal(t, in[1].PTS, audio[0].PTS)
}

func TestMux_SkipsUnsupportedTracks(t *testing.T) {
	in := gop(0, 2)
	in = append(in,
		media.Frame{Type: media.FrameAudio, PTS: 0, Codec: "opus", Data: []byte{1, 2}},
		media.Frame{Type: media.FrameMetadata, Codec: "amf0", Data: []byte{3}},
	)
	payload, err := Mux(in)
	require.NoError(t, err)
	out, err := Demux(payload)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestMux_VideoOnly(t *testing.T) {
	payload, err := Mux([]media.Frame{testutil.VideoFrame(media.FrameKey, 0, 1)})
	require.NoError(t, err)
	out, err := Demux(payload)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsKey())
}

func TestMux_RequiresDecoderConfig(t *testing.T) {
	f := testutil.VideoFrame(media.FrameKey, 0, 1)
	f.Config = nil
	_, err := Mux([]media.Frame{f})
	assert.ErrorIs(t, err, ErrNoVideoConfig)

	f.Config = []byte{1, 2}
	_, err = Mux([]media.Frame{f})
	assert.Error(t, err)
}

func TestReader_MergesSlicesOfOneAccessUnit(t *testing.T) {
	key := testutil.VideoFrame(media.FrameKey, 0, 1)
	second := testutil.VideoFrame(media.FrameDelta, 0, 2).Data
	key.Data = slices.Concat(key.Data, second)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, key.Config, nil)
	require.NoError(t, err)
	for _, f := range []media.Frame{key, testutil.VideoFrame(media.FrameDelta, 40*time.Millisecond, 3)} {
		ok, err := w.WriteFrame(f)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, w.Close())

	out, err := Demux(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, key.Data, out[0].Data)
	assert.True(t, out[0].IsKey())
	assert.Equal(t, 40*time.Millisecond, out[1].DTS)
}

func TestConfigs(t *testing.T) {
	video, audio := Configs([]media.Frame{
		{Type: media.FrameAudio, Codec: "opus", Config: []byte{9}},
		testutil.VideoFrame(media.FrameDelta, 0, 1),
		testutil.AudioFrame(0),
		testutil.VideoFrame(media.FrameKey, 0, 2),
	})
	assert.Equal(t, testutil.H264Config(), video)
	assert.Equal(t, testutil.AACConfig, audio)
}
