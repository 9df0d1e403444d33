// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	Channels []media.Channel `yaml:"channels"`
}

// FileSource serves channels from a YAML file and reloads it on change.
type FileSource struct {
	path     string
	defaults Defaults
	logger   zerolog.Logger

	mu       sync.RWMutex
	channels map[string]media.Channel
}

// NewFileSource loads path once. Use Watch to follow changes.
func NewFileSource(path string, d Defaults) (*FileSource, error) {
	s := &FileSource{
		path:     filepath.Clean(path),
		defaults: d,
		logger:   log.WithComponent("catalog.file"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous channel set stays active.
func (s *FileSource) Reload() error {
	// #nosec G304 -- catalog path is operator configuration
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse catalog: %w", err)
	}

	next := make(map[string]media.Channel, len(doc.Channels))
	for i, ch := range doc.Channels {
		n, err := Normalize(ch, s.defaults)
		if err != nil {
			return fmt.Errorf("catalog channels[%d]: %w", i, err)
		}
		if _, dup := next[n.ID]; dup {
			return fmt.Errorf("catalog: duplicate channel %q", n.ID)
		}
		next[n.ID] = n
	}

	s.mu.Lock()
	s.channels = next
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldEvent, "catalog.loaded").
		Str(log.FieldPath, s.path).
		Int("channels", len(next)).
		Msg("catalog loaded")
	return nil
}

func (s *FileSource) LookupByKey(_ context.Context, key media.StreamKey) (media.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Every channel is compared so the lookup time does not depend on which
	// channel matched.
	var (
		found media.Channel
		ok    bool
	)
	for _, ch := range s.channels {
		if ch.MatchKey(key) && !ok {
			found, ok = ch, true
		}
	}
	if !ok {
		return media.Channel{}, media.ErrAuthFailed
	}
	return found, nil
}

func (s *FileSource) Get(_ context.Context, channelID string) (media.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return media.Channel{}, fmt.Errorf("channel %q: %w", channelID, media.ErrNotFound)
	}
	return ch, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so atomic renames by editors are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch catalog dir: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error().
						Err(err).
						Str(log.FieldEvent, "catalog.reload_failed").
						Msg("catalog reload failed, keeping previous channels")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Str(log.FieldEvent, "catalog.watcher_error").Msg("catalog watcher error")
		}
	}
}

var _ Source = (*FileSource)(nil)
