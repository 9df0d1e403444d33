// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Journal persists session history fed from the event bus.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path. ":memory:"
// is accepted for tests.
func OpenJournal(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		role TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record applies one event. Only session lifecycle events are stored.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.SessionConnected:
		_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_id, protocol, role, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			ev.SessionID, ev.ChannelID, string(ev.Protocol), ev.Detail, ev.At.UnixNano())
		return err
	case events.SessionDisconnected:
		_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_id, protocol, role, started_at, ended_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ended_at = excluded.ended_at, reason = excluded.reason`,
			ev.SessionID, ev.ChannelID, string(ev.Protocol), ev.Detail, ev.At.UnixNano(), ev.At.UnixNano(), string(ev.Reason))
		return err
	default:
		return nil
	}
}

// History returns the most recent sessions, newest first.
func (j *Journal) History(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
	SELECT id, channel_id, protocol, role, started_at, ended_at, reason
	FROM sessions
	ORDER BY started_at DESC, id
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var (
			in       Info
			protocol string
			role     string
			started  int64
			ended    sql.NullInt64
			reason   sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.ChannelID, &protocol, &role, &started, &ended, &reason); err != nil {
			return nil, err
		}
		in.Protocol = media.Protocol(protocol)
		in.Role = Role(role)
		in.StartedAt = time.Unix(0, started).UTC()
		in.Slot = SlotEnded
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			in.EndedAt = &t
		} else {
			in.Slot = ""
		}
		in.Reason = media.ReasonCode(reason.String)
		out = append(out, in)
	}
	return out, rows.Err()
}

// Run records events from sub until ctx is done or the subscription closes.
func (j *Journal) Run(ctx context.Context, sub events.Subscriber) error {
	defer func() { _ = sub.Close() }()
	logger := log.WithComponent("journal")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := j.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).
					Str(log.FieldEvent, "journal.write_failed").
					Str(log.FieldSessionID, ev.SessionID).
					Msg("session journal write failed")
			}
		}
	}
}
