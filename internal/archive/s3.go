// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package archive exports finished live windows and VOD jobs to S3
// compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const windowLayout = "20060102T150405Z"

// ErrDisabled is returned by NewS3Exporter without a bucket.
var ErrDisabled = errors.New("archive disabled: no bucket configured")

// S3Exporter uploads archived windows and VOD output.
type S3Exporter struct {
	api    s3iface.S3API
	bucket string
	prefix string
	store  store.Store
}

// NewS3Exporter builds an exporter from configuration. Credentials come from
// the standard AWS chain.
func NewS3Exporter(cfg config.ArchiveConfig, st store.Store) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, ErrDisabled
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: aws session: %w", err)
	}
	return NewExporter(s3.New(sess), cfg.Bucket, cfg.Prefix, st), nil
}

// NewExporter wraps an existing S3 client.
func NewExporter(api s3iface.S3API, bucket, prefix string, st store.Store) *S3Exporter {
	return &S3Exporter{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), store: st}
}

func (e *S3Exporter) key(parts ...string) string {
	if e.prefix != "" {
		parts = append([]string{e.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (e *S3Exporter) put(ctx context.Context, key string, body []byte) error {
	_, err := e.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(ContentType(key)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", e.bucket, key, err)
	}
	return nil
}

// ExportWindow uploads the retained window of every non-empty rendition as a
// closed VOD playlist plus master playlist under
// <prefix>/<channel>/<window start>/. Segments already evicted from the store
// are dropped from the archived playlist. It returns the archive root.
func (e *S3Exporter) ExportWindow(ctx context.Context, out *packager.Output) (string, error) {
	var snaps []*packager.Snapshot
	for _, spec := range out.Ladder() {
		if s, ok := out.Snapshot(spec.Name); ok && !s.Empty() {
			snaps = append(snaps, s)
		}
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("channel %s: nothing to archive: %w", out.ChannelID(), media.ErrNotFound)
	}
	started := snaps[0].StartedAt
	for _, s := range snaps[1:] {
		if s.StartedAt.Before(started) {
			started = s.StartedAt
		}
	}
	root := e.key(out.ChannelID(), started.UTC().Format(windowLayout))
	logger := log.WithComponent("archive").With().
		Str(log.FieldChannelID, out.ChannelID()).
		Str("root", root).
		Logger()

	begin := time.Now()
	uploaded := 0
	for _, snap := range snaps {
		kept := *snap
		kept.Entries = kept.Entries[:0:0]
		for _, entry := range snap.Entries {
			seg, err := e.store.Get(ctx, snap.Rendition, entry.Sequence)
			if errors.Is(err, media.ErrNotFound) {
				logger.Debug().Uint64(log.FieldSequence, entry.Sequence).Msg("segment evicted before archive")
				continue
			}
			if err != nil {
				return "", fmt.Errorf("read %s/%d: %w", snap.Rendition, entry.Sequence, err)
			}
			if err := e.put(ctx, path.Join(root, snap.Spec.Name, media.SegmentName(entry.Sequence)), seg.Payload); err != nil {
				return "", err
			}
			kept.Entries = append(kept.Entries, entry)
			uploaded++
		}
		if len(kept.Entries) == 0 {
			continue
		}
		body, err := packager.RenderVOD(&kept)
		if err != nil {
			return "", err
		}
		if err := e.put(ctx, path.Join(root, packager.MediaPlaylistURI(snap.Spec.Name)), body); err != nil {
			return "", err
		}
	}

	master, err := out.Master()
	if err != nil {
		return "", err
	}
	if err := e.put(ctx, path.Join(root, "master.m3u8"), master); err != nil {
		return "", err
	}
	logger.Info().
		Str(log.FieldEvent, "archive.window_exported").
		Int("segments", uploaded).
		Dur("took", time.Since(begin)).
		Msg("live window archived")
	return root, nil
}

// ExportDir uploads a finished VOD job directory under <prefix>/videos/<id>/.
func (e *S3Exporter) ExportDir(ctx context.Context, dir, videoID string) (int, error) {
	root := e.key("videos", videoID)
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := e.put(ctx, path.Join(root, filepath.ToSlash(rel)), body); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export %s: %w", videoID, err)
	}
	logger := log.WithComponent("archive")
	logger.Info().
		Str(log.FieldEvent, "archive.vod_exported").
		Str("video_id", videoID).
		Int("files", n).
		Msg("vod exported")
	return n, nil
}
