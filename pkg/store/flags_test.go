package store

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

type countingRecorder map[string]int

func (c countingRecorder) RecordStoreError(op string) { c[op]++ }

func TestFlagsNamespacing(t *testing.T) {
	backend := NewMemoryStore()
	flags := NewFlags(backend, "myapp", nil, nil)

	flags.Set(models.FlagWasRunning, true)

	snap := backend.Snapshot()
	if !snap["myapp.wasRunning"] {
		t.Errorf("Expected namespaced key myapp.wasRunning, got %v", snap)
	}
	if !flags.Get(models.FlagWasRunning) {
		t.Error("Expected flag to read back true")
	}
}

func TestFlagsDefaultNamespace(t *testing.T) {
	flags := NewFlags(NewMemoryStore(), "", nil, nil)
	if got := flags.Key(models.FlagCrash); got != "oomwatch.crashFlag" {
		t.Errorf("Key() = %s, want oomwatch.crashFlag", got)
	}
}

func TestFlagsReadFailureIsFalse(t *testing.T) {
	backend := NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)
	backend.GetErr = errors.New("disk on fire")

	var logs bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&logs)
	errs := countingRecorder{}

	flags := NewFlags(backend, "", logger, errs)
	if flags.Get(models.FlagWasRunning) {
		t.Error("Read failure must degrade to false")
	}
	if errs["get"] != 1 {
		t.Errorf("Expected 1 get error recorded, got %d", errs["get"])
	}
	if !strings.Contains(logs.String(), "disk on fire") {
		t.Errorf("Expected failure to be logged, got %q", logs.String())
	}
}

func TestFlagsFailedWritePoisonsKey(t *testing.T) {
	backend := NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)
	errs := countingRecorder{}
	flags := NewFlags(backend, "", nil, errs)

	backend.SetErr = errors.New("read-only filesystem")
	flags.Set(models.FlagWasRunning, true)

	// The stale true on the backend must not be reported
	if flags.Get(models.FlagWasRunning) {
		t.Error("Key with a failed write must read false")
	}
	if errs["set"] != 1 {
		t.Errorf("Expected 1 set error recorded, got %d", errs["set"])
	}

	// Recovery: a successful write clears the poison
	backend.SetErr = nil
	flags.Set(models.FlagWasRunning, true)
	if !flags.Get(models.FlagWasRunning) {
		t.Error("Successful write should clear the poisoned key")
	}
}

func TestFlagsReset(t *testing.T) {
	backend := NewMemoryStore()
	flags := NewFlags(backend, "", nil, nil)
	flags.Set(models.FlagWasRunning, true)
	flags.Set(models.FlagWasInForeground, true)
	flags.Set(models.FlagCrash, true)

	flags.Reset()

	if snap := flags.Snapshot(); snap != (models.Flags{}) {
		t.Errorf("Expected all flags false after reset, got %+v", snap)
	}
	if backend.Flushes() == 0 {
		t.Error("Reset should flush")
	}
}

func TestFlagsFlushFailureSwallowed(t *testing.T) {
	backend := NewMemoryStore()
	backend.FlushErr = errors.New("fsync failed")
	errs := countingRecorder{}

	NewFlags(backend, "", nil, errs).Flush()

	if errs["flush"] != 1 {
		t.Errorf("Expected 1 flush error recorded, got %d", errs["flush"])
	}
}
