package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLadder_ExpandsPresetsAndSorts(t *testing.T) {
	ladder, err := ResolveLadder([]RenditionSpec{
		{Preset: "360p"},
		{Preset: "1080p", Name: "hd"},
		{Name: "custom", Width: 1280, Height: 720, VideoBitrate: 3000, AudioBitrate: 128},
	})
	require.NoError(t, err)
	require.Len(t, ladder, 3)
	assert.Equal(t, "hd", ladder[0].Name)
	assert.Equal(t, 5000, ladder[0].VideoBitrate)
	assert.Equal(t, "custom", ladder[1].Name)
	assert.Equal(t, "360p", ladder[2].Name)
	assert.Equal(t, "640x360", ladder[2].Resolution())
	assert.Equal(t, uint32(696000), ladder[2].Bandwidth())
}

func TestResolveLadder_Rejects(t *testing.T) {
	cases := map[string][]RenditionSpec{
		"empty":     nil,
		"preset":    {{Preset: "8k"}},
		"noname":    {{VideoBitrate: 10}},
		"slash":     {{Name: "a/b", VideoBitrate: 10}},
		"bitrate":   {{Name: "a"}},
		"duplicate": {{Name: "a", VideoBitrate: 1}, {Name: "a", VideoBitrate: 2}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveLadder(in)
			assert.Error(t, err)
		})
	}
}

func TestRenditionID(t *testing.T) {
	id := NewRenditionID("news", "720p")
	assert.Equal(t, "news", id.Channel())
	assert.Equal(t, "720p", id.Name())
	assert.Equal(t, "7.ts", SegmentName(7))
}

func TestChannelMatchKey(t *testing.T) {
	plain := Channel{StreamKey: "live_secret"}
	assert.True(t, plain.MatchKey("live_secret"))
	assert.False(t, plain.MatchKey("live_secreT"))

	hashed := Channel{StreamKey: HashStreamKey("live_secret")}
	assert.True(t, hashed.MatchKey("live_secret"))
	assert.False(t, hashed.MatchKey("other"))

	assert.False(t, Channel{}.MatchKey(""))
	assert.False(t, Channel{StreamKey: "sha256:zz"}.MatchKey("x"))
}

func TestFrameClassification(t *testing.T) {
	assert.False(t, Frame{Type: FrameKey}.Droppable())
	assert.False(t, Frame{Type: FrameAudio}.Droppable())
	assert.True(t, Frame{Type: FrameDelta}.Droppable())
	assert.True(t, Frame{Type: FrameMetadata}.Droppable())
	assert.True(t, Frame{Type: FrameDelta}.IsVideo())
	assert.Equal(t, "key", FrameKey.String())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonEndOfStream, ReasonFor(nil))
	assert.Equal(t, ReasonProtocolViolation, ReasonFor(fmt.Errorf("bad chunk: %w", ErrProtocolViolation)))
	assert.Equal(t, ReasonHealthTimeout, ReasonFor(ErrHealthTimeout))
	assert.Equal(t, ReasonDisconnect, ReasonFor(errors.New("eof")))
}
