package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a durable boolean key-value backend.
// All implementations must survive process restarts and abrupt termination:
// SetBool is durable when it returns, with no batching.
type Store interface {
	// GetBool returns false, nil for a key that was never set
	GetBool(key string) (bool, error)
	SetBool(key string, value bool) error
	// Flush is an explicit durability barrier
	Flush() error
	Close() error
	// Name identifies the backend ("file", "sqlite", "postgres", "memory")
	Name() string
}

// Config holds store configuration
type Config struct {
	Type string // "file", "sqlite", "postgres" or "memory"
	Path string // File or SQLite database path
	DSN  string // PostgreSQL connection string

	// PostgreSQL specific
	MaxOpenConns int
}

var (
	ErrUnsupportedBackend = errors.New("unsupported store backend")
	ErrClosed             = errors.New("store is closed")
)

// OpError wraps a backend failure with the operation and key involved
type OpError struct {
	Op      string // "get", "set", "flush", "load", "open"
	Key     string
	Backend string
	Err     error
}

// Error implements error interface
func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s store: %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s store: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap implements error unwrapping
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "file", "":
		path := config.Path
		if path == "" {
			path = DefaultPath("flags.json")
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3":
		path := config.Path
		if path == "" {
			path = DefaultPath("flags.db")
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, config.Type)
	}
}

// DefaultPath returns <user config dir>/oomwatch/<name>,
// falling back to the working directory when no config dir is known.
func DefaultPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".oomwatch", name)
	}
	return filepath.Join(dir, "oomwatch", name)
}
