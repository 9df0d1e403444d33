package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
)

// h264 profile_idc values
var h264Profiles = map[uint8]string{
	66:  "baseline",
	77:  "main",
	88:  "extended",
	100: "high",
	110: "high10",
	122: "high422",
	244: "high444",
}

// sourceInfo summarizes demuxer stream headers.
func sourceInfo(streams []av.CodecData) media.SourceInfo {
	var src media.SourceInfo
	for _, cd := range streams {
		t := cd.Type()
		switch {
		case t.IsVideo():
			src.VideoCodec = strings.ToLower(t.String())
			if v, ok := cd.(av.VideoCodecData); ok {
				src.Width, src.Height = v.Width(), v.Height()
			}
			if h, ok := cd.(h264parser.CodecData); ok {
				src.Profile = h264Profiles[h.RecordInfo.AVCProfileIndication]
			}
		case t.IsAudio():
			src.AudioCodec = strings.ToLower(t.String())
		}
	}
	return src
}

// codecConfig returns the decoder configuration carried by cd, if any.
func codecConfig(cd av.CodecData) []byte {
	switch c := cd.(type) {
	case h264parser.CodecData:
		return c.AVCDecoderConfRecordBytes()
	case aacparser.CodecData:
		return c.MPEG4AudioConfigBytes()
	}
	return nil
}

// frameFromPacket normalizes one demuxed packet.
func frameFromPacket(pkt av.Packet, streams []av.CodecData) (media.Frame, error) {
	if pkt.Idx < 0 || int(pkt.Idx) >= len(streams) {
		return media.Frame{}, fmt.Errorf("%w: packet for unknown stream %d", media.ErrProtocolViolation, pkt.Idx)
	}
	t := streams[pkt.Idx].Type()
	f := media.Frame{
		DTS:   pkt.Time,
		PTS:   pkt.Time + pkt.CompositionTime,
		Codec: strings.ToLower(t.String()),
		Data:  pkt.Data,
	}
	switch {
	case t.IsVideo() && pkt.IsKeyFrame:
		f.Type = media.FrameKey
		f.Config = codecConfig(streams[pkt.Idx])
	case t.IsVideo():
		f.Type = media.FrameDelta
	case t.IsAudio():
		f.Type = media.FrameAudio
		f.Config = codecConfig(streams[pkt.Idx])
	default:
		f.Type = media.FrameMetadata
	}
	return f, nil
}

// demuxPackets pumps packets from d until EOF, a read error or ctx is done.
// Decode order is preserved: frames are pushed in the order the demuxer
// yields them.
func demuxPackets(ctx context.Context, d av.Demuxer, streams []av.CodecData, counters *transportCounters, push func(media.Frame) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		pkt, err := d.ReadPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}
		counters.packets.Add(1)
		counters.bytes.Add(uint64(len(pkt.Data)))
		f, err := frameFromPacket(pkt, streams)
		if err != nil {
			return err
		}
		if err := push(f); err != nil {
			return err
		}
	}
}

type transportCounters struct {
	packets atomic.Uint64
	lost    atomic.Uint64
	bytes   atomic.Uint64
}

func (c *transportCounters) stats() TransportStats {
	return TransportStats{
		PacketsReceived: c.packets.Load(),
		PacketsLost:     c.lost.Load(),
		BytesReceived:   c.bytes.Load(),
	}
}
