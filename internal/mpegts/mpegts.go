// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package mpegts converts between normalized frames and MPEG transport
// streams carrying H.264 video and AAC audio.
package mpegts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/ts"
)

// ContentType is the MIME type of a transport stream.
const ContentType = "video/mp2t"

// timeBase is added to every timestamp by the muxer and removed by Reader.
const timeBase = time.Second

// ErrNoVideoConfig is returned when no key frame carries a decoder
// configuration.
var ErrNoVideoConfig = errors.New("mpegts: no H.264 decoder configuration")

// Configs returns the first H.264 and AAC decoder configurations in frames.
func Configs(frames []media.Frame) (video, audio []byte) {
	for _, f := range frames {
		switch {
		case video == nil && f.IsKey() && isH264(f.Codec) && len(f.Config) > 0:
			video = f.Config
		case audio == nil && f.Type == media.FrameAudio && isAAC(f.Codec) && len(f.Config) > 0:
			audio = f.Config
		}
		if video != nil && audio != nil {
			break
		}
	}
	return video, audio
}

func isH264(codec string) bool { return codec == "" || strings.EqualFold(codec, "h264") }

func isAAC(codec string) bool { return strings.EqualFold(codec, "aac") }

// Writer muxes frames into a transport stream with at most one H.264 and one
// AAC track.
type Writer struct {
	mux   *ts.Muxer
	video int
	audio int
}

// NewWriter writes the stream header. video is an AVC decoder configuration
// record and audio an AudioSpecificConfig; either may be nil but not both.
func NewWriter(w io.Writer, video, audio []byte) (*Writer, error) {
	tw := &Writer{mux: ts.NewMuxer(w), video: -1, audio: -1}
	var streams []av.CodecData
	if video != nil {
		cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(video)
		if err != nil {
			return nil, fmt.Errorf("mpegts: video config: %w", err)
		}
		tw.video = len(streams)
		streams = append(streams, cd)
	}
	if audio != nil {
		cd, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(audio)
		if err != nil {
			return nil, fmt.Errorf("mpegts: audio config: %w", err)
		}
		tw.audio = len(streams)
		streams = append(streams, cd)
	}
	if len(streams) == 0 {
		return nil, errors.New("mpegts: no tracks")
	}
	if err := tw.mux.WriteHeader(streams); err != nil {
		return nil, fmt.Errorf("mpegts: header: %w", err)
	}
	return tw, nil
}

// WriteFrame writes f and reports whether a track accepted it. Frames of
// other codecs and metadata are skipped.
func (w *Writer) WriteFrame(f media.Frame) (bool, error) {
	idx := -1
	switch {
	case f.IsVideo() && isH264(f.Codec):
		idx = w.video
	case f.Type == media.FrameAudio && isAAC(f.Codec):
		idx = w.audio
	}
	if idx < 0 {
		return false, nil
	}
	err := w.mux.WritePacket(av.Packet{
		Idx:             int8(idx),
		IsKeyFrame:      f.IsKey(),
		Time:            f.DTS,
		CompositionTime: f.PTS - f.DTS,
		Data:            f.Data,
	})
	if err != nil {
		return false, fmt.Errorf("mpegts: write %s frame: %w", f.Type, err)
	}
	return true, nil
}

func (w *Writer) Close() error { return w.mux.WriteTrailer() }

// Mux encodes a segment's frames. The stream layout comes from Configs.
func Mux(frames []media.Frame) ([]byte, error) {
	video, audio := Configs(frames)
	if video == nil {
		return nil, ErrNoVideoConfig
	}
	var buf bytes.Buffer
	w, err := NewWriter(&buf, video, audio)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if _, err := w.WriteFrame(f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reader demuxes a transport stream into frames. Slices of one access unit
// are merged into a single length-prefixed video frame.
type Reader struct {
	d       *ts.Demuxer
	streams []av.CodecData
	pending *media.Frame
	out     []media.Frame
}

func NewReader(r io.Reader) *Reader { return &Reader{d: ts.NewDemuxer(r)} }

// ReadFrame returns the next frame in stream order, or io.EOF.
func (r *Reader) ReadFrame() (media.Frame, error) {
	if r.streams == nil {
		streams, err := r.d.Streams()
		if err != nil {
			return media.Frame{}, err
		}
		r.streams = streams
	}
	for len(r.out) == 0 {
		pkt, err := r.d.ReadPacket()
		if errors.Is(err, io.EOF) && r.pending != nil {
			r.flush()
			break
		}
		if err != nil {
			return media.Frame{}, err
		}
		if err := r.add(pkt); err != nil {
			return media.Frame{}, err
		}
	}
	f := r.out[0]
	r.out = r.out[1:]
	return f, nil
}

func (r *Reader) flush() {
	if r.pending != nil {
		r.out = append(r.out, *r.pending)
		r.pending = nil
	}
}

func (r *Reader) add(pkt av.Packet) error {
	if int(pkt.Idx) >= len(r.streams) || pkt.Idx < 0 {
		return fmt.Errorf("mpegts: packet for unknown stream %d", pkt.Idx)
	}
	f := media.Frame{
		DTS:  pkt.Time - timeBase,
		PTS:  pkt.Time + pkt.CompositionTime - timeBase,
		Data: pkt.Data,
	}
	switch cd := r.streams[pkt.Idx].(type) {
	case h264parser.CodecData:
		f.Codec = "h264"
		f.Type = media.FrameDelta
		if pkt.IsKeyFrame || hasIDR(pkt.Data) {
			f.Type = media.FrameKey
			f.Config = cd.AVCDecoderConfRecordBytes()
		}
		if p := r.pending; p != nil && p.DTS == f.DTS {
			p.Data = slices.Concat(p.Data, f.Data)
			if f.IsKey() && !p.IsKey() {
				p.Type, p.Config = media.FrameKey, f.Config
			}
			return nil
		}
		r.flush()
		r.pending = &f
		return nil
	case aacparser.CodecData:
		f.Codec = "aac"
		f.Type = media.FrameAudio
		f.Config = cd.MPEG4AudioConfigBytes()
	default:
		f.Type = media.FrameMetadata
	}
	r.flush()
	r.out = append(r.out, f)
	return nil
}

func hasIDR(data []byte) bool {
	nalus, _ := h264parser.SplitNALUs(data)
	for _, n := range nalus {
		if len(n) > 0 && n[0]&0x1f == 5 {
			return true
		}
	}
	return false
}

// Demux decodes a whole transport stream.
func Demux(payload []byte) ([]media.Frame, error) {
	r := NewReader(bytes.NewReader(payload))
	var out []media.Frame
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}
