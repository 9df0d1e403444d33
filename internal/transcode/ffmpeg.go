package transcode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

const (
	thumbnailScale = "scale=320:-1"
	previewScale   = "scale=640:-1"
	previewBitrate = "500k"
	previewAudio   = "96k"
	// PreviewDuration is the length of the generated preview clip.
	PreviewDuration = 30 * time.Second
	// VODSegmentSeconds is the HLS segment length used for VOD packaging.
	VODSegmentSeconds = 6
)

func kbps(v int) string { return strconv.Itoa(v) + "k" }

// FFmpegArgs builds the arguments that encode input into one rendition as a
// fast-start MP4. The rate control caps at the rendition bitrate with a
// buffer of twice that.
func FFmpegArgs(input, output string, spec media.RenditionSpec) []string {
	args := []string{"-i", input}
	args = append(args, renditionArgs(spec, "medium")...)
	return append(args, "-movflags", "+faststart", "-y", output)
}

// renditionArgs are the scale, rate control and codec flags of one rendition.
func renditionArgs(spec media.RenditionSpec, preset string) []string {
	var args []string
	if spec.Width > 0 && spec.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height))
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", preset,
		"-b:v", kbps(spec.VideoBitrate),
		"-maxrate", kbps(spec.VideoBitrate),
		"-bufsize", kbps(spec.VideoBitrate*2),
	)
	if spec.Profile != "" {
		args = append(args, "-profile:v", spec.Profile)
	}
	if spec.FrameRate > 0 {
		args = append(args, "-r", strconv.FormatFloat(spec.FrameRate, 'f', -1, 64))
	}
	args = append(args, "-c:a", "aac")
	if spec.AudioBitrate > 0 {
		args = append(args, "-b:a", kbps(spec.AudioBitrate))
	}
	return args
}

// LiveArgs encodes one segment of a live rendition: MPEG-TS in on stdin,
// MPEG-TS out on stdout. Source timestamps and key frame positions are kept
// so segment boundaries stay aligned across renditions.
func LiveArgs(spec media.RenditionSpec) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-copyts",
	}
	args = append(args, renditionArgs(spec, "veryfast")...)
	return append(args,
		"-tune", "zerolatency",
		"-bf", "0",
		"-force_key_frames", "source",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-f", "mpegts",
		"pipe:1",
	)
}

// HLSArgs repackages an encoded MP4 into an HLS VOD rendition without
// re-encoding.
func HLSArgs(input, playlist, segmentPattern string) []string {
	return []string{
		"-i", input,
		"-c", "copy",
		"-start_number", "0",
		"-hls_time", strconv.Itoa(VODSegmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-f", "hls",
		"-hls_segment_filename", segmentPattern,
		"-y", playlist,
	}
}

// ProbeArgs asks ffprobe for container and stream metadata as JSON.
func ProbeArgs(input string) []string {
	return []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", input}
}

// ThumbnailArgs grabs one frame at offset, scaled to 320 pixels wide.
func ThumbnailArgs(input, output string, offset time.Duration) []string {
	return []string{
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", input,
		"-vframes", "1",
		"-vf", thumbnailScale,
		"-y", output,
	}
}

// ThumbnailOffsets spreads count thumbnails evenly over duration, excluding
// both ends.
func ThumbnailOffsets(duration time.Duration, count int) []time.Duration {
	if duration <= 0 || count <= 0 {
		return nil
	}
	step := duration / time.Duration(count+1)
	out := make([]time.Duration, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, step*time.Duration(i))
	}
	return out
}

// KeyframeThumbnailArgs decodes a single elementary-stream key frame from
// stdin and writes a JPEG to stdout.
func KeyframeThumbnailArgs(codec string) []string {
	if codec == "" {
		codec = "h264"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", codec,
		"-i", "pipe:0",
		"-frames:v", "1",
		"-vf", thumbnailScale,
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}

// PreviewArgs cuts the first PreviewDuration of input at reduced size.
func PreviewArgs(input, output string) []string {
	return []string{
		"-i", input,
		"-t", strconv.Itoa(int(PreviewDuration.Seconds())),
		"-vf", previewScale,
		"-c:v", "libx264",
		"-preset", "fast",
		"-b:v", previewBitrate,
		"-c:a", "aac",
		"-b:a", previewAudio,
		"-movflags", "+faststart",
		"-y", output,
	}
}

// Metadata is the subset of ffprobe output a VOD job records.
type Metadata struct {
	Duration      time.Duration `json:"duration"`
	Size          int64         `json:"size"`
	Bitrate       int64         `json:"bitrate"`
	Format        string        `json:"format"`
	Width         int           `json:"width,omitempty"`
	Height        int           `json:"height,omitempty"`
	VideoCodec    string        `json:"codec,omitempty"`
	FrameRate     float64       `json:"fps,omitempty"`
	AudioCodec    string        `json:"audioCodec,omitempty"`
	AudioChannels int           `json:"audioChannels,omitempty"`
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// ParseProbe decodes ffprobe JSON. Missing numeric fields read as zero.
func ParseProbe(data []byte) (Metadata, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	secs, _ := strconv.ParseFloat(p.Format.Duration, 64)
	size, _ := strconv.ParseInt(p.Format.Size, 10, 64)
	br, _ := strconv.ParseInt(p.Format.BitRate, 10, 64)
	md := Metadata{
		Duration: time.Duration(secs * float64(time.Second)),
		Size:     size,
		Bitrate:  br,
		Format:   p.Format.FormatName,
	}
	videoSeen, audioSeen := false, false
	for _, s := range p.Streams {
		switch {
		case s.CodecType == "video" && !videoSeen:
			videoSeen = true
			md.Width, md.Height = s.Width, s.Height
			md.VideoCodec = s.CodecName
			md.FrameRate = parseRate(s.RFrameRate)
		case s.CodecType == "audio" && !audioSeen:
			audioSeen = true
			md.AudioCodec = s.CodecName
			md.AudioChannels = s.Channels
		}
	}
	return md, nil
}

// parseRate reads ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
