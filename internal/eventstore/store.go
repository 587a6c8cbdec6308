package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	_ "modernc.org/sqlite"
)

// Store keeps the recognition history and the watcher's processed-file ledger
// in SQLite. A disabled store accepts every call and keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recognitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    participant TEXT NOT NULL,
    text TEXT NOT NULL,
    ts REAL NOT NULL,
    filename TEXT,
    source TEXT NOT NULL,
    device_id TEXT,
    failed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recognitions_ts ON recognitions(ts);
CREATE TABLE IF NOT EXISTS processed_files (
    path TEXT PRIMARY KEY,
    processed_at REAL NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the store is backed by a database.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEvent writes a recognition event into the history.
func (s *Store) AppendEvent(ctx context.Context, evt feed.Event) error {
	if s.db == nil {
		return nil
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = feed.Timestamp(s.clock())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recognitions(participant, text, ts, filename, source, device_id, failed)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.Participant, evt.Text, evt.Timestamp, evt.Filename, string(evt.Source), evt.DeviceID, evt.Failed)
	if err != nil {
		return fmt.Errorf("insert recognition: %w", err)
	}
	return nil
}

// Publish lets the store act as a feed sink.
func (s *Store) Publish(ctx context.Context, evt feed.Event) error {
	return s.AppendEvent(ctx, evt)
}

// Recent returns the newest limit events ordered oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]feed.Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = feed.DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant, text, ts, filename, source, device_id, failed FROM (
		     SELECT id, participant, text, ts, filename, source, device_id, failed
		     FROM recognitions ORDER BY ts DESC, id DESC LIMIT ?
		 ) ORDER BY ts ASC, id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recognitions: %w", err)
	}
	defer rows.Close()

	var events []feed.Event
	for rows.Next() {
		var (
			e        feed.Event
			source   string
			filename sql.NullString
			deviceID sql.NullString
		)
		if err := rows.Scan(&e.Participant, &e.Text, &e.Timestamp, &filename, &source, &deviceID, &e.Failed); err != nil {
			return nil, err
		}
		e.Source = feed.Source(source)
		e.Filename = filename.String
		e.DeviceID = deviceID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count reports the number of stored recognitions.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recognitions`).Scan(&n)
	return n, err
}

// MarkProcessed records that path was submitted to recognition.
func (s *Store) MarkProcessed(ctx context.Context, path string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_files(path, processed_at) VALUES(?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, feed.Timestamp(s.clock()))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// ProcessedPaths loads every path in the ledger.
func (s *Store) ProcessedPaths(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if s.db == nil {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM processed_files`)
	if err != nil {
		return nil, fmt.Errorf("query processed files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := feed.Timestamp(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM recognitions WHERE ts < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recognitions WHERE id IN (
			SELECT id FROM recognitions ORDER BY ts DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
