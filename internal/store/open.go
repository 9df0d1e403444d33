package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/redis/go-redis/v9"
)

// OpenBackend builds the durable tier named by cfg.Backend. Relative or empty
// paths resolve under dataDir.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, dataDir string) (Backend, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(dataDir, "segments")
	} else if !filepath.IsAbs(path) && dataDir != "" {
		path = filepath.Join(dataDir, path)
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(path)
	case "badger":
		return OpenBadgerBackend(path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return NewRedisBackend(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
