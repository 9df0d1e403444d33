package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of *pgxpool.Pool the source needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads channels from the catalog database. It never writes.
//
// Expected table:
//
//	channels(id text primary key, stream_key text, ladder jsonb,
//	         segment_target_ms int, dvr_window_ms int,
//	         encryption_enabled bool, rotation_segments int)
type PostgresSource struct {
	db       rowQuerier
	pool     *pgxpool.Pool
	defaults Defaults
}

const channelColumns = `id, stream_key, ladder, segment_target_ms, dvr_window_ms, encryption_enabled, rotation_segments`

// NewPostgresSource connects a read-only pool.
func NewPostgresSource(ctx context.Context, dsn string, d Defaults) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "xglive-catalog"
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresSource{db: pool, pool: pool, defaults: d}, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *PostgresSource) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresSource) LookupByKey(ctx context.Context, key media.StreamKey) (media.Channel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE stream_key = $1 OR stream_key = $2 LIMIT 1`,
		string(key), media.HashStreamKey(key))
	ch, err := s.scan(row)
	if errors.Is(err, media.ErrNotFound) {
		return media.Channel{}, media.ErrAuthFailed
	}
	if err != nil {
		return media.Channel{}, err
	}
	if !ch.MatchKey(key) {
		return media.Channel{}, media.ErrAuthFailed
	}
	return ch, nil
}

func (s *PostgresSource) Get(ctx context.Context, channelID string) (media.Channel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID)
	ch, err := s.scan(row)
	if errors.Is(err, media.ErrNotFound) {
		return media.Channel{}, fmt.Errorf("channel %q: %w", channelID, media.ErrNotFound)
	}
	return ch, err
}

func (s *PostgresSource) scan(row pgx.Row) (media.Channel, error) {
	var (
		ch       media.Channel
		ladder   []byte
		targetMS int64
		dvrMS    int64
	)
	err := row.Scan(&ch.ID, &ch.StreamKey, &ladder, &targetMS, &dvrMS,
		&ch.Encryption.Enabled, &ch.Encryption.RotationSegments)
	if errors.Is(err, pgx.ErrNoRows) {
		return ch, media.ErrNotFound
	}
	if err != nil {
		return ch, fmt.Errorf("scan channel: %w", err)
	}
	if err := json.Unmarshal(ladder, &ch.Ladder); err != nil {
		return ch, fmt.Errorf("channel %q: decode ladder: %w", ch.ID, err)
	}
	ch.SegmentTarget = time.Duration(targetMS) * time.Millisecond
	ch.DVRWindow = time.Duration(dvrMS) * time.Millisecond
	return Normalize(ch, s.defaults)
}

var _ Source = (*PostgresSource)(nil)
