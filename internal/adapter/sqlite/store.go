// Package sqlite persists event records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

// Store keeps every event record keyed by event ID and start time, so a
// later discharge at the same site is a new row. Rows are overwritten in
// place as an event progresses and never deleted.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed, applies the connection pragmas,
// and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the tracker serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		record_key TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('active', 'completed')),
		start_time TEXT NOT NULL,
		end_time TEXT,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		dispatched_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	CREATE INDEX IF NOT EXISTS idx_events_event_id ON events(event_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert writes the full event record. The dispatch marker is preserved
// across updates.
func (s *Store) Upsert(ctx context.Context, event domain.Event) error {
	record, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var endTime sql.NullString
	if event.EndTime != nil {
		endTime = sql.NullString{String: formatTime(*event.EndTime), Valid: true}
	}

	query := `
	INSERT INTO events (record_key, event_id, source_id, status, start_time, end_time, record, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(record_key) DO UPDATE SET
		status = excluded.status,
		end_time = excluded.end_time,
		record = excluded.record,
		updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		event.Key(),
		string(event.EventID),
		event.SourceID,
		string(event.Status),
		formatTime(event.StartTime),
		endTime,
		string(record),
		formatTime(event.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", event.Key(), err)
	}
	return nil
}

// LoadAll returns every stored record ordered by start time. A row that
// cannot be decoded fails the whole load.
func (s *Store) LoadAll(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key, record FROM events ORDER BY start_time, record_key`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		var key, record string
		if err := rows.Scan(&key, &record); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(record), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		if _, ok := domain.ParseStatus(string(e.Status)); !ok {
			return nil, fmt.Errorf("decode event %s: unknown status %q", key, e.Status)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkDispatched records that the event with the given record key has been
// published. Unknown keys are ignored.
func (s *Store) MarkDispatched(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET dispatched_at = ? WHERE record_key = ? AND dispatched_at IS NULL`,
		formatTime(domain.Clock().Now()), key,
	)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", key, err)
	}
	return nil
}

// LoadDispatched returns the record keys already published.
func (s *Store) LoadDispatched(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key FROM events WHERE dispatched_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query dispatched: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan dispatched: %w", err)
		}
		out[key] = true
	}
	return out, rows.Err()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
