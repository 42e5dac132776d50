package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// fileDocument is the on-disk layout of a FileStore
type fileDocument struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Flags     map[string]bool `json:"flags"`
}

// FileStore keeps flags in a single JSON document.
// Every write rewrites the document through a temp file, fsync and rename,
// so a kill at any instant leaves either the old or the new document.
type FileStore struct {
	path string
	mu   sync.Mutex

	flags   map[string]bool
	loadErr error // set when the document on disk could not be parsed
	closed  bool
}

// NewFileStore opens (or lazily creates) a file store at path
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &OpError{Op: "open", Backend: "file", Err: err}
	}

	fs := &FileStore{
		path:  path,
		flags: make(map[string]bool),
	}
	fs.load()
	return fs, nil
}

// load reads the document from disk. A missing file is a first launch.
// An unreadable document poisons reads until the next successful write.
func (fs *FileStore) load() {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		fs.loadErr = fmt.Errorf("failed to read flag file: %w", err)
		return
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		fs.loadErr = fmt.Errorf("failed to parse flag file: %w", err)
		return
	}
	if doc.Flags != nil {
		fs.flags = doc.Flags
	}
}

// Name implements Store
func (fs *FileStore) Name() string { return "file" }

// Path returns the document path
func (fs *FileStore) Path() string { return fs.path }

// GetBool implements Store
func (fs *FileStore) GetBool(key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return false, &OpError{Op: "get", Key: key, Backend: "file", Err: ErrClosed}
	}
	if fs.loadErr != nil {
		return false, &OpError{Op: "get", Key: key, Backend: "file", Err: fs.loadErr}
	}
	return fs.flags[key], nil
}

// SetBool implements Store
func (fs *FileStore) SetBool(key string, value bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return &OpError{Op: "set", Key: key, Backend: "file", Err: ErrClosed}
	}

	previous, existed := fs.flags[key]
	fs.flags[key] = value

	if err := fs.save(); err != nil {
		// Keep memory consistent with disk
		if existed {
			fs.flags[key] = previous
		} else {
			delete(fs.flags, key)
		}
		return &OpError{Op: "set", Key: key, Backend: "file", Err: err}
	}

	fs.loadErr = nil
	return nil
}

// save writes the document atomically. Caller holds fs.mu.
func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(fileDocument{
		Version:   "1",
		UpdatedAt: time.Now().UTC(),
		Flags:     fs.flags,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	// Write to temporary file first (atomic operation)
	tempPath := fs.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp flag file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp flag file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp flag file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp flag file: %w", err)
	}

	if err := os.Rename(tempPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp flag file: %w", err)
	}

	return syncDir(filepath.Dir(fs.path))
}

// Flush implements Store. Writes are already durable; this re-syncs the directory.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return &OpError{Op: "flush", Backend: "file", Err: ErrClosed}
	}
	if err := syncDir(filepath.Dir(fs.path)); err != nil {
		return &OpError{Op: "flush", Backend: "file", Err: err}
	}
	return nil
}

// Close implements Store
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}

// syncDir makes a completed rename durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open flag directory: %w", err)
	}
	defer d.Close()

	// Some filesystems refuse fsync on directories
	if err := d.Sync(); err != nil && !os.IsPermission(err) && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("failed to sync flag directory: %w", err)
	}
	return nil
}
