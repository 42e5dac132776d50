package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps flags in a PostgreSQL table.
// Useful when the state directory of a container does not outlive the container.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, &OpError{Op: "open", Backend: "postgres", Err: fmt.Errorf("PostgreSQL DSN is required")}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &OpError{Op: "open", Backend: "postgres", Err: err}
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &OpError{Op: "open", Backend: "postgres", Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, &OpError{Op: "open", Backend: "postgres", Err: fmt.Errorf("failed to initialize schema: %w", err)}
	}

	return store, nil
}

// initSchema creates the flags table if it doesn't exist
func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS oomwatch_flags (
		key TEXT PRIMARY KEY,
		value BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Name implements Store
func (s *PostgresStore) Name() string { return "postgres" }

// GetBool implements Store
func (s *PostgresStore) GetBool(key string) (bool, error) {
	var value bool
	err := s.db.QueryRow(`SELECT value FROM oomwatch_flags WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &OpError{Op: "get", Key: key, Backend: "postgres", Err: err}
	}
	return value, nil
}

// SetBool implements Store. Autocommit makes the write durable on return.
func (s *PostgresStore) SetBool(key string, value bool) error {
	_, err := s.db.Exec(`
		INSERT INTO oomwatch_flags (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return &OpError{Op: "set", Key: key, Backend: "postgres", Err: err}
	}
	return nil
}

// Flush implements Store; committed rows are already durable
func (s *PostgresStore) Flush() error {
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
