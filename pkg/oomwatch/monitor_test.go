package oomwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/oomwatch/pkg/lifecycle"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/store"
)

// TestMain points the user config directory at a scratch dir, since
// trap-mode monitors default their crash log there.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "oomwatch-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Setenv("XDG_CONFIG_HOME", dir)
	os.Setenv("HOME", dir)
	os.Setenv("AppData", dir)

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// handlerSpy records handler invocations
type handlerSpy struct {
	calls []bool
}

func (h *handlerSpy) handle(wasInForeground bool) {
	h.calls = append(h.calls, wasInForeground)
}

// launch simulates one process start against a backend that survives restarts
func launch(t *testing.T, backend store.Store, detector func() bool, opts ...Option) (*Monitor, *handlerSpy, models.Verdict) {
	t.Helper()
	spy := &handlerSpy{}
	opts = append([]Option{WithStore(backend), WithLaunchState(models.LaunchStateForeground)}, opts...)
	m := New(opts...)
	v := m.Begin(spy.handle, detector)
	return m, spy, v
}

// kill abandons a monitor without any terminate notification
func kill(m *Monitor) {
	m.observer.Close()
}

func deliver(t *testing.T, m *Monitor, events ...models.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, m.Deliver(ev))
	}
}

func TestFirstLaunchIsNormalTermination(t *testing.T) {
	_, spy, v := launch(t, store.NewMemoryStore(), nil)

	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.Empty(t, spy.calls)
}

func TestKilledInForeground(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive)
	kill(m)

	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.True(t, v.WasInForeground)
	assert.Equal(t, []bool{true}, spy.calls)
}

func TestKilledInBackground(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive, models.EventEnteredBackground)
	kill(m)

	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.Equal(t, []bool{false}, spy.calls)
}

func TestWillTerminateIsNormal(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive, models.EventWillTerminate)
	kill(m)

	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.Empty(t, spy.calls)
}

func TestShutdownIsNormal(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive)
	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	// Ignored after shutdown
	require.NoError(t, m.Deliver(models.EventBecameActive))

	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.Empty(t, spy.calls)
}

func TestGuardRecordsCrash(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive)

	func() {
		defer func() {
			r := recover()
			assert.Equal(t, "boom", r, "Guard must re-panic with the original value")
		}()
		defer m.Guard()
		panic("boom")
	}()
	kill(m)

	next, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationCrash, v.Classification)
	assert.Empty(t, spy.calls)
	assert.False(t, next.Flags().Get(models.FlagCrash), "crash flag must be consumed")

	// The launch after a crash starts from a clean slate
	deliver(t, next, models.EventWillTerminate)
	_, _, v = launch(t, backend, nil)
	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
}

func TestGuardWithoutPanicIsNoop(t *testing.T) {
	m, _, _ := launch(t, store.NewMemoryStore(), nil)
	func() {
		defer m.Guard()
	}()
	assert.False(t, m.Flags().Get(models.FlagCrash))
}

func TestCrashWinsOverRunningFlags(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		fg      bool
	}{
		{"running foreground", true, true},
		{"running background", true, false},
		{"not running", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := store.NewMemoryStore()
			backend.SetBool("oomwatch.wasRunning", tt.running)
			backend.SetBool("oomwatch.wasInForeground", tt.fg)

			_, spy, v := launch(t, backend, func() bool { return true })
			assert.Equal(t, models.ClassificationCrash, v.Classification)
			assert.Empty(t, spy.calls)
		})
	}
}

func TestPanickingDetectorMeansNoCrash(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)

	_, spy, v := launch(t, backend, func() bool { panic("reporter broken") })
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.Len(t, spy.calls, 1)
}

func TestDetectorBypassesTrap(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.crashFlag", true)

	m, _, v := launch(t, backend, func() bool { return false })
	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.True(t, m.Flags().Get(models.FlagCrash), "predicate mode must not touch the trap's flag")
	assert.Empty(t, m.CrashLogPath())
}

func TestCrashLogEvidence(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "crash.log")
	require.NoError(t, os.WriteFile(logPath, []byte("fatal error: concurrent map writes\n"), 0644))

	m, spy, v := launch(t, store.NewMemoryStore(), nil, WithCrashLog(logPath))
	defer m.Shutdown(context.Background())

	assert.Equal(t, models.ClassificationCrash, v.Classification)
	assert.Empty(t, spy.calls)
	assert.FileExists(t, m.CrashLogPath())
}

func TestBeginIsIdempotent(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)
	backend.SetBool("oomwatch.wasInForeground", true)

	m, spy, first := launch(t, backend, nil)
	second := m.Begin(spy.handle, nil)

	assert.Equal(t, first, second)
	assert.Len(t, spy.calls, 1, "handler must run once per launch")
}

func TestNilHandlerPanics(t *testing.T) {
	m := New(WithStore(store.NewMemoryStore()))
	assert.Panics(t, func() { m.Begin(nil, nil) })
	assert.Panics(t, func() { BeginMonitoring(nil, nil) })
}

func TestBeginMonitoringIsProcessWide(t *testing.T) {
	processMu.Lock()
	processMonitor = nil
	processMu.Unlock()
	t.Cleanup(func() {
		processMu.Lock()
		processMonitor = nil
		processMu.Unlock()
	})

	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)

	calls := 0
	handler := func(bool) { calls++ }

	first := BeginMonitoring(handler, nil, WithStore(backend), WithLaunchState(models.LaunchStateBackground))
	second := BeginMonitoring(handler, nil, WithStore(store.NewMemoryStore()))

	assert.Same(t, first, second)
	assert.Same(t, first, Current())
	assert.Equal(t, 1, calls)
}

func TestDeliverBeforeBegin(t *testing.T) {
	m := New(WithStore(store.NewMemoryStore()))
	assert.ErrorIs(t, m.Deliver(models.EventBecameActive), ErrNotStarted)
	assert.ErrorIs(t, m.Attach(lifecycle.NewChannelSource(nil)), ErrNotStarted)

	_, ok := m.Verdict()
	assert.False(t, ok)
}

func TestBaselineResetHappensBeforeHandler(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)
	backend.SetBool("oomwatch.wasInForeground", true)

	m := New(WithStore(backend), WithLaunchState(models.LaunchStateBackground))
	var seen models.Flags
	m.Begin(func(bool) {
		seen = m.Flags().Snapshot()
	}, nil)

	assert.True(t, seen.WasRunning)
	assert.False(t, seen.WasInForeground, "handler must see the new lifetime's baseline")
}

func TestLaunchBaseline(t *testing.T) {
	tests := []struct {
		name  string
		state models.LaunchState
		probe lifecycle.ForegroundProbe
		want  bool
	}{
		{"forced foreground", models.LaunchStateForeground, lifecycle.Fixed(false), true},
		{"forced background", models.LaunchStateBackground, lifecycle.Fixed(true), false},
		{"probed foreground", models.LaunchStateAuto, lifecycle.Fixed(true), true},
		{"probed background", models.LaunchStateAuto, lifecycle.Fixed(false), false},
		{"probe error", models.LaunchStateAuto, lifecycle.ProbeFunc(func() (bool, error) {
			return true, errors.New("no tty")
		}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := store.NewMemoryStore()
			m := New(WithStore(backend), WithLaunchState(tt.state), WithProbe(tt.probe))
			m.Begin(func(bool) {}, nil)

			assert.True(t, m.Flags().Get(models.FlagWasRunning))
			assert.Equal(t, tt.want, m.Flags().Get(models.FlagWasInForeground))
		})
	}
}

// eagerSource fires as soon as it is started
type eagerSource struct {
	ev models.Event
}

func (e eagerSource) Start(sink func(models.Event)) error {
	sink(e.ev)
	return nil
}

func (e eagerSource) Stop() {}

func TestSourcesAttachAfterClassification(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)
	backend.SetBool("oomwatch.wasInForeground", true)

	m, spy, v := launch(t, backend, nil, WithSources(eagerSource{ev: models.EventEnteredBackground}))

	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.Equal(t, []bool{true}, spy.calls, "classification must see the previous lifetime's flags")
	assert.False(t, m.Flags().Get(models.FlagWasInForeground), "source event applied after classification")
}

func TestStoreOpenFailureFallsBackToMemory(t *testing.T) {
	m := New(WithStoreConfig(store.Config{Type: "carrier-pigeon"}))
	spy := &handlerSpy{}
	v := m.Begin(spy.handle, nil)

	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.Equal(t, "memory", m.Result().Store)

	var buf bytes.Buffer
	require.NoError(t, m.Metrics().WriteText(&buf))
	assert.Contains(t, buf.String(), `oomwatch_store_errors_total{op="open"} 1`)
}

func TestWriteFailureDegradesToNormal(t *testing.T) {
	backend := store.NewMemoryStore()
	m, _, _ := launch(t, backend, nil)

	backend.SetErr = errors.New("disk full")
	deliver(t, m, models.EventBecameActive)
	kill(m)

	// The baseline write from the first launch succeeded, so the next
	// launch still sees the process as running
	backend.SetErr = nil
	_, _, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)

	// A backend that cannot be read at all looks like a first launch
	backend.GetErr = errors.New("io error")
	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationNormalTermination, v.Classification)
	assert.Empty(t, spy.calls)
}

func TestResultRecorded(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)

	m, _, _ := launch(t, backend, nil)
	r := m.Result()
	require.NotNil(t, r)

	assert.Equal(t, m.LifetimeID(), r.LifetimeID)
	assert.Equal(t, models.ClassificationMemoryPressureKill, r.Verdict.Classification)
	assert.True(t, r.Previous.WasRunning)
	assert.Equal(t, 1, m.History().Count())
	assert.Same(t, r, m.History().Latest())

	var buf bytes.Buffer
	require.NoError(t, m.Metrics().WriteText(&buf))
	assert.Contains(t, buf.String(), `oomwatch_classifications_total{classification="memory_pressure_kill"} 1`)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	cfg := store.Config{Type: "file", Path: filepath.Join(t.TempDir(), "flags.json")}
	opts := []Option{WithStoreConfig(cfg), WithLaunchState(models.LaunchStateForeground)}

	m := New(opts...)
	m.Begin(func(bool) {}, nil)
	deliver(t, m, models.EventEnteredBackground)
	kill(m)
	m.Flags().Close()

	spy := &handlerSpy{}
	next := New(opts...)
	v := next.Begin(spy.handle, nil)
	defer next.Shutdown(context.Background())

	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.Equal(t, []bool{false}, spy.calls)
}

// Any event sequence without will_terminate and without a crash is a kill,
// reporting the foreground state of the last recorded event.
func TestRandomSequencesWithoutTerminate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := []models.Event{models.EventBecameActive, models.EventEnteredBackground}

	for i := 0; i < 200; i++ {
		backend := store.NewMemoryStore()
		launchFg := rng.Intn(2) == 0
		state := models.LaunchStateBackground
		if launchFg {
			state = models.LaunchStateForeground
		}

		m := New(WithStore(backend), WithLaunchState(state))
		m.Begin(func(bool) {}, nil)

		expected := launchFg
		n := rng.Intn(6)
		for j := 0; j < n; j++ {
			ev := events[rng.Intn(len(events))]
			require.NoError(t, m.Deliver(ev))
			expected = ev == models.EventBecameActive
		}
		kill(m)

		_, spy, v := launch(t, backend, nil)
		require.Equal(t, models.ClassificationMemoryPressureKill, v.Classification, "iteration %d", i)
		require.Equal(t, []bool{expected}, spy.calls, "iteration %d", i)
	}
}

// A terminated lifetime never leaves crash evidence behind: the crash path
// exits before terminate can be delivered, and the trap consumes the flag.
func TestTerminateAndCrashFlagsNeverBothSet(t *testing.T) {
	backend := store.NewMemoryStore()

	m, _, _ := launch(t, backend, nil)
	deliver(t, m, models.EventBecameActive, models.EventWillTerminate)
	snap := m.Flags().Snapshot()
	assert.False(t, snap.WasRunning && snap.Crash)

	next, _, _ := launch(t, backend, nil)
	func() {
		defer func() { recover() }()
		defer next.Guard()
		panic("late")
	}()
	snap = next.Flags().Snapshot()
	assert.True(t, snap.Crash)
	assert.True(t, snap.WasRunning, "a crashed lifetime never recorded terminate")
}

func TestDefaultCrashLogPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "next to file store",
			opts: Options{StoreConfig: store.Config{Type: "file", Path: filepath.Join(dir, "flags.json")}},
			want: filepath.Join(dir, "oomwatch.crash.log"),
		},
		{
			name: "next to sqlite store, namespaced",
			opts: Options{Namespace: "app", StoreConfig: store.Config{Type: "sqlite", Path: filepath.Join(dir, "flags.db")}},
			want: filepath.Join(dir, "app.crash.log"),
		},
		{
			name: "postgres",
			opts: Options{StoreConfig: store.Config{Type: "postgres", DSN: "postgres://localhost/db"}},
			want: store.DefaultPath("oomwatch.crash.log"),
		},
		{
			name: "injected store",
			opts: Options{Store: store.NewMemoryStore(), StoreConfig: store.Config{Path: filepath.Join(dir, "flags.json")}},
			want: store.DefaultPath("oomwatch.crash.log"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultCrashLogPath(tt.opts))
		})
	}
}

const crashChildEnv = "OOMWATCH_MONITOR_CRASH_CHILD"

func crashChildOptions(dir string) []Option {
	return []Option{
		WithStoreConfig(store.Config{Type: "file", Path: filepath.Join(dir, "flags.json")}),
		WithLaunchState(models.LaunchStateForeground),
	}
}

// A monitor with default options must catch a panic on a goroutine that
// never deferred Guard, so the next launch reports a crash and not a kill.
func TestUnguardedPanicIsCrashWithDefaults(t *testing.T) {
	if os.Getenv(crashChildEnv) != "" {
		t.Skip("running as child")
	}

	dir := t.TempDir()
	cmd := exec.Command(os.Args[0], "-test.run=^TestUnguardedPanicChild$")
	cmd.Env = append(os.Environ(), crashChildEnv+"="+dir)
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "child process must die from the panic")

	spy := &handlerSpy{}
	m := New(crashChildOptions(dir)...)
	v := m.Begin(spy.handle, nil)
	defer m.Shutdown(context.Background())

	assert.Equal(t, models.ClassificationCrash, v.Classification)
	assert.Empty(t, spy.calls)
	assert.FileExists(t, filepath.Join(dir, "oomwatch.crash.log.prev"))
}

func TestUnguardedPanicChild(t *testing.T) {
	dir := os.Getenv(crashChildEnv)
	if dir == "" {
		t.Skip("child process only")
	}

	m := New(crashChildOptions(dir)...)
	m.Begin(func(bool) {}, nil)
	if err := m.Deliver(models.EventBecameActive); err != nil {
		os.Exit(3)
	}

	go func() {
		panic("unguarded goroutine")
	}()
	select {}
}

// The watcher starts from the launch baseline, so a foreground state that
// differs from it is recorded on the first poll.
func TestWatcherStartsFromLaunchBaseline(t *testing.T) {
	backend := store.NewMemoryStore()
	watcher := lifecycle.NewForegroundWatcher(lifecycle.Fixed(false), 10*time.Millisecond, nil)

	m, _, _ := launch(t, backend, nil, WithSources(watcher))
	require.Eventually(t, func() bool {
		return !m.Flags().Get(models.FlagWasInForeground)
	}, 2*time.Second, 5*time.Millisecond, "background state must be recorded")
	kill(m)

	_, spy, v := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)
	assert.Equal(t, []bool{false}, spy.calls)
}

func TestHandlerPanicKeepsMonitoring(t *testing.T) {
	backend := store.NewMemoryStore()
	backend.SetBool("oomwatch.wasRunning", true)

	m := New(WithStore(backend), WithLaunchState(models.LaunchStateForeground))
	var v models.Verdict
	require.NotPanics(t, func() {
		v = m.Begin(func(bool) { panic("handler bug") }, func() bool { return false })
	})
	assert.Equal(t, models.ClassificationMemoryPressureKill, v.Classification)

	require.NoError(t, m.Deliver(models.EventWillTerminate), "sources must be live after a handler panic")
	kill(m)

	_, spy, next := launch(t, backend, nil)
	assert.Equal(t, models.ClassificationNormalTermination, next.Classification)
	assert.Empty(t, spy.calls)
}
