package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultThumbnailCount is the number of stills a VOD job extracts.
const DefaultThumbnailCount = 10

// VOD encodes uploaded files into a rendition ladder and packages them as
// HLS under OutputDir/<videoID>.
type VOD struct {
	FFmpeg     string
	FFprobe    string
	Cmd        Commander
	OutputDir  string
	Thumbnails int
	Parallel   int
}

// VODResult lists the artefacts of one job. Paths are rooted at OutputDir.
type VODResult struct {
	VideoID    string            `json:"videoId"`
	Metadata   Metadata          `json:"metadata"`
	Renditions map[string]string `json:"renditions"`
	HLSMaster  string            `json:"hlsPlaylist,omitempty"`
	Thumbnails []string          `json:"thumbnails"`
	Preview    string            `json:"preview,omitempty"`
}

var errNoRenditions = errors.New("no rendition could be encoded")

func validVideoID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\\")
}

// Transcode runs one VOD job. Renditions that fail to encode are logged and
// skipped; the job fails only when none succeeds. Metadata, thumbnails and the
// preview are best effort.
func (v *VOD) Transcode(ctx context.Context, input, videoID string, ladder []media.RenditionSpec) (VODResult, error) {
	logger := log.WithComponentFromContext(ctx, "vod").With().Str("video_id", videoID).Logger()
	if !validVideoID(videoID) {
		return VODResult{}, fmt.Errorf("invalid video id %q", videoID)
	}
	if len(ladder) == 0 {
		return VODResult{}, errors.New("empty ladder")
	}
	if _, err := os.Stat(input); err != nil {
		return VODResult{}, fmt.Errorf("input: %w", err)
	}
	outDir := filepath.Join(v.OutputDir, videoID)
	hlsDir := filepath.Join(outDir, "hls")
	thumbDir := filepath.Join(outDir, "thumbnails")
	for _, d := range []string{hlsDir, thumbDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return VODResult{}, fmt.Errorf("create output dir: %w", err)
		}
	}

	res := VODResult{VideoID: videoID, Renditions: make(map[string]string, len(ladder))}
	logger.Info().Str(log.FieldEvent, "vod.start").Str(log.FieldPath, input).Msg("starting transcoding")

	if md, err := v.Probe(ctx, input); err != nil {
		logger.Warn().Err(err).Msg("probe failed, continuing without metadata")
	} else {
		res.Metadata = md
	}

	var (
		mu       sync.Mutex
		variants []packager.Variant
	)
	g, gctx := errgroup.WithContext(ctx)
	if v.Parallel > 0 {
		g.SetLimit(v.Parallel)
	}
	for _, spec := range ladder {
		g.Go(func() error {
			mp4 := filepath.Join(outDir, spec.Name+".mp4")
			if err := v.Cmd.Run(gctx, v.ffmpeg(), FFmpegArgs(input, mp4, spec)); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error().Err(err).Str(log.FieldRendition, spec.Name).Msg("rendition encode failed")
				return nil
			}
			playlist := filepath.Join(hlsDir, spec.Name+".m3u8")
			pattern := filepath.Join(hlsDir, spec.Name+"_%03d.ts")
			hlsErr := v.Cmd.Run(gctx, v.ffmpeg(), HLSArgs(mp4, playlist, pattern))
			if hlsErr != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error().Err(hlsErr).Str(log.FieldRendition, spec.Name).Msg("hls packaging failed")
			}
			mu.Lock()
			defer mu.Unlock()
			res.Renditions[spec.Name] = mp4
			if hlsErr == nil {
				variants = append(variants, packager.Variant{URI: spec.Name + ".m3u8", Spec: spec})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if len(res.Renditions) == 0 {
		return res, errNoRenditions
	}

	if len(variants) > 0 {
		master := filepath.Join(hlsDir, "master.m3u8")
		if err := writeFile(master, packager.RenderMaster(variants)); err != nil {
			return res, err
		}
		res.HLSMaster = master
	}

	res.Thumbnails = v.thumbnails(ctx, input, thumbDir, res.Metadata)
	preview := filepath.Join(outDir, "preview.mp4")
	if err := v.Cmd.Run(ctx, v.ffmpeg(), PreviewArgs(input, preview)); err != nil {
		logger.Warn().Err(err).Msg("preview generation failed")
	} else {
		res.Preview = preview
	}

	names := make([]string, 0, len(res.Renditions))
	for n := range res.Renditions {
		names = append(names, n)
	}
	sort.Strings(names)
	logger.Info().
		Str(log.FieldEvent, "vod.done").
		Strs("renditions", names).
		Int("thumbnails", len(res.Thumbnails)).
		Msg("transcoding completed")
	return res, ctx.Err()
}

// Probe reads container metadata with ffprobe.
func (v *VOD) Probe(ctx context.Context, input string) (Metadata, error) {
	bin := v.FFprobe
	if bin == "" {
		bin = "ffprobe"
	}
	out, err := v.Cmd.Output(ctx, bin, ProbeArgs(input))
	if err != nil {
		return Metadata{}, err
	}
	return ParseProbe(out)
}

func (v *VOD) ffmpeg() string {
	if v.FFmpeg == "" {
		return "ffmpeg"
	}
	return v.FFmpeg
}

func (v *VOD) thumbnails(ctx context.Context, input, dir string, md Metadata) []string {
	count := v.Thumbnails
	if count <= 0 {
		count = DefaultThumbnailCount
	}
	var out []string
	for i, off := range ThumbnailOffsets(md.Duration, count) {
		path := filepath.Join(dir, fmt.Sprintf("thumb_%02d.jpg", i+1))
		if err := v.Cmd.Run(ctx, v.ffmpeg(), ThumbnailArgs(input, path, off)); err != nil {
			log.FromContext(ctx).Warn().Err(err).Int("index", i+1).Msg("thumbnail failed")
			continue
		}
		out = append(out, path)
	}
	return out
}

func writeFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
