// Package store provides SQLite-backed persistence for session preferences
// and the request journal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// PrefServerDir is the preference key holding the worker's server directory.
const PrefServerDir = "serverPath"

// Store provides access to the go-nboserve SQLite database.
type Store struct {
	db *sql.DB
}

// JournalEntry is one request that left the session.
type JournalEntry struct {
	ID          string
	CommandFile string
	Mode        string
	Outcome     string
	Error       string
	SentAt      *time.Time
	FinishedAt  time.Time
	Latency     time.Duration
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		command_file TEXT NOT NULL,
		mode TEXT,
		outcome TEXT NOT NULL,
		error TEXT,
		sent_at DATETIME,
		finished_at DATETIME NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_requests_finished ON requests(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetPref returns a preference value and whether it was set.
func (s *Store) GetPref(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query pref %s: %w", key, err)
	}
	return value, true, nil
}

// SetPref stores a preference value.
func (s *Store) SetPref(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set pref %s: %w", key, err)
	}
	return nil
}

// ServerDir returns the persisted server directory, or "" if unset.
func (s *Store) ServerDir() (string, error) {
	dir, _, err := s.GetPref(PrefServerDir)
	return dir, err
}

// SetServerDir persists the server directory.
func (s *Store) SetServerDir(dir string) error {
	return s.SetPref(PrefServerDir, dir)
}

// RecordRequest writes a journal entry. An empty ID gets a new one.
func (s *Store) RecordRequest(e JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}

	var sentAt sql.NullTime
	if e.SentAt != nil {
		sentAt = sql.NullTime{Time: e.SentAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO requests (id, command_file, mode, outcome, error, sent_at, finished_at, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CommandFile, e.Mode, e.Outcome, e.Error, sentAt, e.FinishedAt.UTC(), e.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// RecentRequests returns up to limit journal entries, newest first.
func (s *Store) RecentRequests(limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, command_file, mode, outcome, error, sent_at, finished_at, latency_ms
		 FROM requests ORDER BY finished_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var mode, errText sql.NullString
		var sentAt sql.NullTime
		var latencyMs int64
		if err := rows.Scan(&e.ID, &e.CommandFile, &mode, &e.Outcome, &errText, &sentAt, &e.FinishedAt, &latencyMs); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.Mode = mode.String
		e.Error = errText.String
		if sentAt.Valid {
			t := sentAt.Time
			e.SentAt = &t
		}
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByOutcome returns the number of journal entries per outcome.
func (s *Store) CountByOutcome() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM requests GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}
