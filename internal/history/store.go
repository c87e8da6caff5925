// Package history persists completed stream runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/smazurov/restreamer/internal/streams"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements streams.HistorySink.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database and runs migrations.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run history migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stream_history (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		reason TEXT NOT NULL,
		encoder TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stream_history_stream ON stream_history(stream_id, ended_at);
	CREATE INDEX IF NOT EXISTS idx_stream_history_owner ON stream_history(owner_id, ended_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts a completed run. An empty ID is replaced by a new UUID.
func (s *Store) Record(ctx context.Context, rec streams.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal history config: %w", err)
	}

	query := `
	INSERT INTO stream_history (id, stream_id, owner_id, started_at, ended_at, duration_seconds, reason, encoder, config)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.StreamID,
		rec.OwnerID,
		rec.StartedAt.UTC().Format(timeFormat),
		rec.EndedAt.UTC().Format(timeFormat),
		rec.DurationSeconds,
		rec.Reason,
		rec.Encoder,
		string(cfg),
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	StreamID string
	OwnerID  string
	Limit    int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]streams.HistoryRecord, error) {
	query := `
	SELECT id, stream_id, owner_id, started_at, ended_at, duration_seconds, reason, encoder, config
	FROM stream_history
	WHERE (? = '' OR stream_id = ?) AND (? = '' OR owner_id = ?)
	ORDER BY ended_at DESC
	LIMIT ?
	`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, f.StreamID, f.StreamID, f.OwnerID, f.OwnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []streams.HistoryRecord
	for rows.Next() {
		var (
			rec            streams.HistoryRecord
			started, ended string
			cfg            string
		)
		if err := rows.Scan(&rec.ID, &rec.StreamID, &rec.OwnerID, &started, &ended,
			&rec.DurationSeconds, &rec.Reason, &rec.Encoder, &cfg); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if rec.EndedAt, err = time.Parse(timeFormat, ended); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
			return nil, fmt.Errorf("decode history config: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TotalSeconds sums run durations for an owner since a point in time.
func (s *Store) TotalSeconds(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(duration_seconds) FROM stream_history WHERE owner_id = ? AND ended_at >= ?`,
		ownerID, since.UTC().Format(timeFormat),
	).Scan(&total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sum history: %w", err)
	}
	return total.Int64, nil
}
