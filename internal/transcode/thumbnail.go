package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

// Thumbnail is a still taken from a source key frame.
type Thumbnail struct {
	PTS         time.Duration
	ContentType string
	Data        []byte
	TakenAt     time.Time
}

// Extractor renders a key frame into a still image.
type Extractor interface {
	Extract(ctx context.Context, f media.Frame) (Thumbnail, error)
}

// KeyframeExtractor returns the raw key frame as the thumbnail. It needs no
// external tooling and is the default.
type KeyframeExtractor struct{}

func (KeyframeExtractor) Extract(_ context.Context, f media.Frame) (Thumbnail, error) {
	if !f.IsKey() {
		return Thumbnail{}, errors.New("thumbnail source is not a key frame")
	}
	return Thumbnail{
		PTS:         f.PTS,
		ContentType: "video/" + f.Codec,
		Data:        f.Data,
		TakenAt:     time.Now(),
	}, nil
}

// FFmpegExtractor decodes the key frame with ffmpeg and returns a JPEG scaled
// to 320 pixels wide.
type FFmpegExtractor struct {
	Bin     string
	Timeout time.Duration
}

func (x FFmpegExtractor) Extract(ctx context.Context, f media.Frame) (Thumbnail, error) {
	if !f.IsKey() {
		return Thumbnail{}, errors.New("thumbnail source is not a key frame")
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := x.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.CommandContext(ctx, bin, KeyframeThumbnailArgs(f.Codec)...)
	cmd.Stdin = bytes.NewReader(f.Data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Thumbnail{}, fmt.Errorf("ffmpeg thumbnail: %w: %s", err, tail(stderr.String(), 256))
	}
	return Thumbnail{PTS: f.PTS, ContentType: "image/jpeg", Data: out.Bytes(), TakenAt: time.Now()}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
