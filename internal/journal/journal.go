// Package journal keeps an append-only SQLite record of pipeline events for
// later inspection. It is never read back to resume a session.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind classifies a journal event.
type Kind string

const (
	KindSessionStarted    Kind = "session_started"
	KindSessionStopped    Kind = "session_stopped"
	KindSessionFailed     Kind = "session_failed"
	KindTranscoderExit    Kind = "transcoder_exit"
	KindManifestPublished Kind = "manifest_published"
	KindTranscript        Kind = "transcript"
	KindSentinel          Kind = "sentinel"
	KindCue               Kind = "cue"
	KindDegraded          Kind = "degraded"
)

// NoIndex marks an event that is not tied to a segment.
const NoIndex = -1

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Index     int       `json:"index"`
	Language  string    `json:"language,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Recorder accepts events. Session code depends on this rather than on Store so
// the journal stays optional.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

// Store is the SQLite-backed journal.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens the journal database at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{conn: conn, logger: logger.With("component", "journal"), now: time.Now}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying handle for tests and tooling.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func (s *Store) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, m := range entries {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if s.isMigrationApplied(name) {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		s.logger.Debug("applied migration", "name", name)
	}
	return nil
}

func (s *Store) isMigrationApplied(name string) bool {
	var exists int
	err := s.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}
	var applied int
	err = s.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// Record appends an event. A zero At is stamped with the current time.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.SessionID == "" {
		return errors.New("journal event has no session id")
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	var index sql.NullInt64
	if ev.Index >= 0 {
		index = sql.NullInt64{Int64: int64(ev.Index), Valid: true}
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO events (session_id, kind, segment_index, language, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, string(ev.Kind), index, ev.Language, ev.Detail, ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return nil
}

// List returns a session's events in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, session_id, kind, segment_index, language, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev    Event
			kind  string
			index sql.NullInt64
			at    string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &index, &ev.Language, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Index = NoIndex
		if index.Valid {
			ev.Index = int(index.Int64)
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Sessions returns the distinct session ids in the journal, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT session_id FROM events GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
