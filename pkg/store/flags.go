package store

import (
	"sync"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

// DefaultNamespace prefixes every persisted key
const DefaultNamespace = "oomwatch"

// ErrorRecorder counts swallowed store failures
type ErrorRecorder interface {
	RecordStoreError(op string)
}

// Flags is the only way the detector touches a backend.
// It namespaces keys and never returns an error: a failed read is false,
// a failed write is logged and the key reads false until a write succeeds.
// Everything degrades toward "nothing happened".
type Flags struct {
	backend   Store
	namespace string
	logger    *logging.Logger
	errs      ErrorRecorder

	mu       sync.Mutex
	poisoned map[string]bool
}

// NewFlags wraps a backend. logger and errs may be nil.
func NewFlags(backend Store, namespace string, logger *logging.Logger, errs ErrorRecorder) *Flags {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Flags{
		backend:   backend,
		namespace: namespace,
		logger:    logger.WithField("store", backend.Name()),
		errs:      errs,
		poisoned:  make(map[string]bool),
	}
}

// Key returns the namespaced key for a flag name
func (f *Flags) Key(name string) string {
	return f.namespace + "." + name
}

// Namespace returns the key prefix
func (f *Flags) Namespace() string {
	return f.namespace
}

// Backend returns the wrapped store
func (f *Flags) Backend() Store {
	return f.backend
}

// Get reads a flag, false on any failure
func (f *Flags) Get(name string) bool {
	key := f.Key(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.poisoned[key] {
		return false
	}

	value, err := f.backend.GetBool(key)
	if err != nil {
		f.fail("get", key, err)
		return false
	}
	return value
}

// Set writes a flag durably. Failures are logged, never returned.
func (f *Flags) Set(name string, value bool) {
	key := f.Key(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.backend.SetBool(key, value); err != nil {
		f.poisoned[key] = true
		f.fail("set", key, err)
		return
	}
	delete(f.poisoned, key)
}

// Flush asks the backend for a durability barrier
func (f *Flags) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.backend.Flush(); err != nil {
		f.fail("flush", "", err)
	}
}

// Snapshot reads all three flags
func (f *Flags) Snapshot() models.Flags {
	return models.Flags{
		WasRunning:      f.Get(models.FlagWasRunning),
		WasInForeground: f.Get(models.FlagWasInForeground),
		Crash:           f.Get(models.FlagCrash),
	}
}

// Reset clears all three flags, as if the app had never run
func (f *Flags) Reset() {
	f.Set(models.FlagWasRunning, false)
	f.Set(models.FlagWasInForeground, false)
	f.Set(models.FlagCrash, false)
	f.Flush()
}

// Close closes the backend
func (f *Flags) Close() {
	if err := f.backend.Close(); err != nil {
		f.fail("close", "", err)
	}
}

func (f *Flags) fail(op, key string, err error) {
	f.logger.Error("Flag store failure, assuming false", map[string]interface{}{
		"op":    op,
		"key":   key,
		"error": err.Error(),
	})
	if f.errs != nil {
		f.errs.RecordStoreError(op)
	}
}
