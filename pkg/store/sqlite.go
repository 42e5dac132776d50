package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps flags in a SQLite table
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers never block the lifecycle writer
	// - _synchronous=FULL: a committed flag survives power loss, not just process death
	// - _busy_timeout=5000: tolerate a concurrent `oomwatch status`
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &OpError{Op: "open", Backend: "sqlite", Err: err}
	}

	// Single writer; flags are written from one sequencing context anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, &OpError{Op: "open", Backend: "sqlite", Err: fmt.Errorf("failed to initialize schema: %w", err)}
	}

	return store, nil
}

// initSchema creates the flags table
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flags (
		key TEXT PRIMARY KEY,
		value BOOLEAN NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Name implements Store
func (s *SQLiteStore) Name() string { return "sqlite" }

// GetBool implements Store
func (s *SQLiteStore) GetBool(key string) (bool, error) {
	var value bool
	err := s.db.QueryRow(`SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &OpError{Op: "get", Key: key, Backend: "sqlite", Err: err}
	}
	return value, nil
}

// SetBool implements Store
func (s *SQLiteStore) SetBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO flags (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return &OpError{Op: "set", Key: key, Backend: "sqlite", Err: err}
	}
	return nil
}

// Flush checkpoints the WAL into the main database file
func (s *SQLiteStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(FULL)`); err != nil {
		return &OpError{Op: "flush", Backend: "sqlite", Err: err}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
