package testutil

import (
	"encoding/binary"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// H.264 parameter sets of a 1280x720 constrained baseline stream.
var (
	H264SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x01, 0x40, 0x16, 0xe4}
	H264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// AACConfig is the AudioSpecificConfig of 44.1 kHz stereo AAC-LC.
var AACConfig = []byte{0x12, 0x10}

// H264Config returns the AVC decoder configuration record of H264SPS and
// H264PPS.
func H264Config() []byte {
	rec := []byte{1, H264SPS[1], H264SPS[2], H264SPS[3], 0xff, 0xe1, 0, byte(len(H264SPS))}
	rec = append(rec, H264SPS...)
	rec = append(rec, 1, 0, byte(len(H264PPS)))
	return append(rec, H264PPS...)
}

// VideoFrame returns a length-prefixed H.264 access unit holding one slice.
// Key frames carry an IDR slice and the decoder configuration. The slice
// body is tag followed by filler and never contains a zero byte.
func VideoFrame(typ media.FrameType, pts time.Duration, tag byte) media.Frame {
	return SizedVideoFrame(typ, pts, tag, 10)
}

// SizedVideoFrame is VideoFrame padded to size bytes, length prefix included.
func SizedVideoFrame(typ media.FrameType, pts time.Duration, tag byte, size int) media.Frame {
	nal := byte(0x41)
	if typ == media.FrameKey {
		nal = 0x65
	}
	body := []byte{nal, 0x88, tag | 0x80, 0x21, 0x9a, 0x11}
	for len(body)+4 < size {
		body = append(body, 0x11)
	}
	f := media.Frame{
		Type:  typ,
		PTS:   pts,
		DTS:   pts,
		Codec: "h264",
		Data:  append(binary.BigEndian.AppendUint32(nil, uint32(len(body))), body...),
	}
	if typ == media.FrameKey {
		f.Config = H264Config()
	}
	return f
}

// AudioFrame returns a raw AAC frame with its AudioSpecificConfig.
func AudioFrame(pts time.Duration) media.Frame {
	return media.Frame{
		Type:   media.FrameAudio,
		PTS:    pts,
		DTS:    pts,
		Codec:  "aac",
		Data:   []byte{0x21, 0x1a, 0x54, 0xe5},
		Config: AACConfig,
	}
}
