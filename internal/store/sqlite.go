// Package store is the primary data store: entities kept in SQLite, read
// back by rebuild sessions and resolver sessions, and written through units
// of work that feed the incremental index path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store holds entities in a single SQLite table.
//
// IDs are compared with BINARY collation, so ORDER BY id matches Go string
// ordering byte for byte.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// validateIntegrity checks an existing database file before it is opened.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// Open opens or creates the store at path. An empty path creates an
// in-memory store for testing.
//
// Unlike the index, a corrupted store is never cleared: it is the source of
// truth, so Open fails instead.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := validateIntegrity(path); err != nil {
			slog.Error("store_corrupted",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil, syncerr.New(syncerr.ErrCodeStoreUnavailable, "primary store failed integrity check", err).
				WithDetail("path", path)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: a single writer, and the only way an in-memory
	// database is shared between callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS entities (
		type    TEXT    NOT NULL,
		id      TEXT    NOT NULL COLLATE BINARY,
		version INTEGER NOT NULL DEFAULT 0,
		body    TEXT    NOT NULL DEFAULT '{}',
		PRIMARY KEY (type, id)
	) WITHOUT ROWID;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database path, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// Get returns a record, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, typ, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return getRecord(ctx, s.db, typ, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, typ, id string) (*Record, error) {
	var (
		version int64
		body    string
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, body FROM entities WHERE type = ? AND id = ?`, typ, id).
		Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", typ, id, err)
	}
	fields, err := decodeFields(body)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", typ, id, err)
	}
	return &Record{Type: typ, ID: id, Version: version, Fields: fields}, nil
}

// Import writes records with their versions exactly as given, without
// producing change events. It is meant for seeding and restores.
func (s *Store) Import(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO entities (type, id, version, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare import statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		body, err := encodeFields(r.Fields)
		if err != nil {
			return fmt.Errorf("record %s: %w", r, err)
		}
		if _, err := stmt.ExecContext(ctx, r.Type, r.ID, r.Version, body); err != nil {
			return fmt.Errorf("failed to import %s: %w", r, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of records of one type.
func (s *Store) Count(ctx context.Context, typ string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE type = ?`, typ).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", typ, err)
	}
	return n, nil
}

// Types returns the distinct entity types present, sorted.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM entities ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
