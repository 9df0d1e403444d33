package media

import (
	"fmt"
	"sort"
	"strings"
)

// RenditionSpec is one immutable entry of a channel's encoding ladder.
// Bitrates are in kbit/s, matching the ffmpeg arguments they feed.
type RenditionSpec struct {
	Name         string  `yaml:"name" json:"name"`
	Preset       string  `yaml:"preset,omitempty" json:"preset,omitempty"`
	Width        int     `yaml:"width" json:"width"`
	Height       int     `yaml:"height" json:"height"`
	VideoBitrate int     `yaml:"video_bitrate" json:"videoBitrate"`
	AudioBitrate int     `yaml:"audio_bitrate" json:"audioBitrate"`
	Codec        string  `yaml:"codec" json:"codec"`
	Profile      string  `yaml:"profile" json:"profile"`
	FrameRate    float64 `yaml:"frame_rate" json:"frameRate"`
}

// Bandwidth is the advertised peak bandwidth in bit/s.
func (r RenditionSpec) Bandwidth() uint32 {
	return uint32((r.VideoBitrate + r.AudioBitrate) * 1000)
}

// Resolution renders WIDTHxHEIGHT, or "" when unknown.
func (r RenditionSpec) Resolution() string {
	if r.Width <= 0 || r.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Presets is the built-in quality ladder.
var Presets = map[string]RenditionSpec{
	"2160p": {Name: "2160p", Width: 3840, Height: 2160, VideoBitrate: 15000, AudioBitrate: 192, Codec: "h264", Profile: "high"},
	"1080p": {Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 128, Codec: "h264", Profile: "high"},
	"720p":  {Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2500, AudioBitrate: 128, Codec: "h264", Profile: "main"},
	"480p":  {Name: "480p", Width: 854, Height: 480, VideoBitrate: 1000, AudioBitrate: 96, Codec: "h264", Profile: "main"},
	"360p":  {Name: "360p", Width: 640, Height: 360, VideoBitrate: 600, AudioBitrate: 96, Codec: "h264", Profile: "baseline"},
}

// ResolveLadder expands preset references and validates the result.
// The returned ladder is sorted by bandwidth, highest first.
func ResolveLadder(in []RenditionSpec) ([]RenditionSpec, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("ladder is empty")
	}
	out := make([]RenditionSpec, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, r := range in {
		if r.Preset != "" {
			p, ok := Presets[r.Preset]
			if !ok {
				return nil, fmt.Errorf("ladder[%d]: unknown preset %q", i, r.Preset)
			}
			name := r.Name
			r = p
			if name != "" {
				r.Name = name
			}
		}
		if r.Name == "" {
			return nil, fmt.Errorf("ladder[%d]: name is required", i)
		}
		if r.Name == "." || r.Name == ".." || strings.ContainsAny(r.Name, "/\\?#") {
			return nil, fmt.Errorf("ladder[%d]: invalid name %q", i, r.Name)
		}
		if r.VideoBitrate <= 0 {
			return nil, fmt.Errorf("ladder[%d] %s: video bitrate must be positive", i, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("ladder[%d]: duplicate rendition %q", i, r.Name)
		}
		seen[r.Name] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bandwidth() > out[j].Bandwidth() })
	return out, nil
}

// RenditionID identifies one rendition of one channel: "<channelID>/<name>".
type RenditionID string

// NewRenditionID joins a channel id and rendition name.
func NewRenditionID(channelID, name string) RenditionID {
	return RenditionID(channelID + "/" + name)
}

// Channel returns the channel part of the id.
func (id RenditionID) Channel() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Name returns the rendition name part of the id.
func (id RenditionID) Name() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// SegmentName is the deterministic file name of a segment relative to its
// rendition's media playlist.
func SegmentName(seq uint64) string {
	return fmt.Sprintf("%d.ts", seq)
}
