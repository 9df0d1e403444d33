package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/xglive/internal/archive"
	"github.com/ManuGH/xglive/internal/config"
	xglog "github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/transcode"
	"github.com/spf13/cobra"
)

// parseLadder resolves a comma separated preset list.
func parseLadder(spec string) ([]media.RenditionSpec, error) {
	var in []media.RenditionSpec
	for _, name := range strings.Split(spec, ",") {
		if name = strings.TrimSpace(name); name != "" {
			in = append(in, media.RenditionSpec{Preset: name})
		}
	}
	ladder, err := media.ResolveLadder(in)
	if err != nil {
		return nil, fmt.Errorf("%w: ladder: %w", config.ErrInvalidConfig, err)
	}
	return ladder, nil
}

func newVODCmd(g *globalFlags) *cobra.Command {
	var (
		ladderSpec string
		outDir     string
		upload     bool
		parallel   int
	)
	cmd := &cobra.Command{
		Use:   "vod <input> <video-id>",
		Short: "Transcode a file into an HLS ladder, optionally uploading it to the archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "xglive", Version: cfg.Version})
			ladder, err := parseLadder(ladderSpec)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Join(cfg.DataDir, "vod")
			}
			var exporter *archive.S3Exporter
			if upload {
				if exporter, err = archive.NewS3Exporter(cfg.Archive, nil); err != nil {
					return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job := &transcode.VOD{
				FFmpeg:    cfg.Transcode.FFmpegBin,
				FFprobe:   cfg.Transcode.FFprobeBin,
				Cmd:       transcode.ExecCommander{Logger: xglog.WithComponent("vod")},
				OutputDir: outDir,
				Parallel:  parallel,
			}
			input, videoID := args[0], args[1]
			res, err := job.Transcode(ctx, input, videoID, ladder)
			if err != nil {
				return err
			}
			if exporter != nil {
				if _, err := exporter.ExportDir(ctx, filepath.Join(outDir, videoID), videoID); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&ladderSpec, "ladder", "720p,480p,360p", "comma separated rendition presets")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default <data_dir>/vod)")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the result to the configured archive bucket")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "renditions encoded concurrently")
	return cmd
}
