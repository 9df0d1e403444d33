// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/google/renameio/v2"
)

const segmentExt = ".ts"

// FileBackend stores one file per segment under root/<channel>/<rendition>/.
// Writes are atomic and durable (fsync before rename).
type FileBackend struct {
	root string
}

// NewFileBackend creates root if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) dir(rid media.RenditionID) (string, error) {
	ch, name := rid.Channel(), rid.Name()
	for _, part := range []string{ch, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid rendition id %q", rid)
		}
	}
	return filepath.Join(f.root, ch, name), nil
}

func segmentFile(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, segmentExt)
}

func (f *FileBackend) Put(ctx context.Context, seg media.Segment) error {
	dir, err := f.dir(seg.Rendition)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create rendition dir: %w", err)
	}
	buf, err := encodeSegment(seg)
	if err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(filepath.Join(dir, segmentFile(seg.Sequence)))
	if err != nil {
		return fmt.Errorf("create pending segment file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.FromContext(ctx).Debug().Err(err).Msg("cleanup pending segment file")
		}
	}()
	if _, err := pending.Write(buf); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace segment file: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	dir, err := f.dir(rid)
	if err != nil {
		return media.Segment{}, err
	}
	// #nosec G304 -- path is built from validated ids under the store root
	b, err := os.ReadFile(filepath.Join(dir, segmentFile(seq)))
	if errors.Is(err, fs.ErrNotExist) {
		return media.Segment{}, notFound(rid, seq)
	}
	if err != nil {
		return media.Segment{}, fmt.Errorf("read segment: %w", err)
	}
	return decodeSegment(b)
}

func (f *FileBackend) Evict(_ context.Context, rid media.RenditionID, before uint64) error {
	dir, err := f.dir(rid)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list rendition dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil || seq >= before {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FileBackend) Ping(context.Context) error {
	st, err := os.Stat(f.root)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("store root %s is not a directory", f.root)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

var _ Backend = (*FileBackend)(nil)
