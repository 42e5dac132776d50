// Package oomwatch infers, on each launch, why the previous process
// lifetime ended: a crash, a normal termination, or a silent kill by the
// host under memory pressure.
//
// Usage:
//
//	func main() {
//		m := oomwatch.BeginMonitoring(func(wasInForeground bool) {
//			log.Printf("killed for memory (foreground=%t)", wasInForeground)
//		}, nil)
//		defer m.Guard()
//		...
//	}
//
// The previous lifetime is classified before any lifecycle event of the
// new lifetime can touch the persisted flags.
package oomwatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/oomwatch/pkg/crash"
	"github.com/psantana5/oomwatch/pkg/lifecycle"
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/metrics"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/report"
	"github.com/psantana5/oomwatch/pkg/store"
)

// ErrNotStarted is returned by Deliver before Begin
var ErrNotStarted = errors.New("oomwatch: monitoring not started")

// Monitor owns one process lifetime's detection state
type Monitor struct {
	opts       Options
	logger     *logging.Logger
	metrics    *metrics.Metrics
	flags      *store.Flags
	lifetimeID string

	recorder   *Recorder
	observer   *lifecycle.Observer
	history    *report.History
	dispatcher *report.Dispatcher

	beginOnce    sync.Once
	shutdownOnce sync.Once

	mu         sync.RWMutex
	started    bool
	trap       *crash.Trap
	classifier *Classifier
	result     *report.Result
}

// New builds a monitor. Nothing is read or written until Begin.
// A backend that cannot be opened is replaced by an in-memory one,
// so detection degrades to normal termination instead of failing.
func New(opts ...Option) *Monitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Probe == nil {
		o.Probe = lifecycle.TerminalProbe{}
	}

	if o.CrashLogPath == "" {
		o.CrashLogPath = defaultCrashLogPath(o)
	}

	logger := o.Logger.WithField("component", "oomwatch")

	backend := o.Store
	if backend == nil {
		var err error
		backend, err = store.NewStore(o.StoreConfig)
		if err != nil {
			logger.Error("Failed to open flag store, falling back to memory", map[string]interface{}{
				"type":  o.StoreConfig.Type,
				"error": err.Error(),
			})
			o.Metrics.RecordStoreError("open")
			backend = store.NewMemoryStore()
		}
	}

	flags := store.NewFlags(backend, o.Namespace, o.Logger, o.Metrics)
	recorder := NewRecorder(flags, logger)

	m := &Monitor{
		opts:       o,
		logger:     logger,
		metrics:    o.Metrics,
		flags:      flags,
		lifetimeID: uuid.NewString(),
		recorder:   recorder,
		observer:   lifecycle.NewObserver(recorder, o.Logger),
		history:    report.NewHistory(o.HistorySize),
		dispatcher: report.NewDispatcher(30*time.Second, o.Logger, o.Sinks...),
	}
	m.observer.OnDeliver(m.metrics.RecordEvent)
	return m
}

// defaultCrashLogPath keeps the crash log next to an on-disk flag store,
// or in the user config directory otherwise
func defaultCrashLogPath(o Options) string {
	ns := o.Namespace
	if ns == "" {
		ns = store.DefaultNamespace
	}
	name := ns + ".crash.log"

	if o.Store == nil && o.StoreConfig.Path != "" {
		switch o.StoreConfig.Type {
		case "", "file", "sqlite", "sqlite3":
			return filepath.Join(filepath.Dir(o.StoreConfig.Path), name)
		}
	}
	return store.DefaultPath(name)
}

// Begin classifies the previous lifetime, then starts recording this one.
// detector, when non-nil, answers "did the previous lifetime crash?" and
// replaces the built-in trap. Only the first call has any effect.
// A nil handler is a programming error and panics.
func (m *Monitor) Begin(handler Handler, detector func() bool) models.Verdict {
	if handler == nil {
		panic("oomwatch: Begin called with a nil handler")
	}

	first := false
	m.beginOnce.Do(func() {
		first = true
		m.begin(handler, detector)
	})
	if !first {
		m.logger.Warn("Monitoring already started, ignoring second registration")
	}

	v, _ := m.Verdict()
	return v
}

func (m *Monitor) begin(handler Handler, detector func() bool) {
	var oracle crash.Oracle
	var trap *crash.Trap
	if detector != nil {
		oracle = crash.NewPredicate(detector, m.logger)
	} else {
		trap = crash.NewTrap(m.flags, crash.TrapConfig{
			CrashLogPath: m.opts.CrashLogPath,
			Logger:       m.opts.Logger,
		})
		trap.Arm()
		oracle = trap
	}

	foreground := m.launchForeground()
	classifier := NewClassifier(ClassifierConfig{
		Flags:            m.flags,
		Oracle:           oracle,
		LaunchForeground: foreground,
		Tracer:           m.opts.Tracer,
		Logger:           m.logger,
	})

	m.mu.Lock()
	m.trap = trap
	m.classifier = classifier
	m.mu.Unlock()

	verdict := classifier.Run(handler)

	result := report.NewResult(m.lifetimeID, verdict, classifier.Previous(), m.flags.Backend().Name())
	m.history.Record(result)
	m.metrics.RecordVerdict(verdict)
	m.metrics.SetForeground(foreground)
	result.Log(m.logger)
	m.dispatcher.Publish(result)

	m.mu.Lock()
	m.result = result
	m.started = true
	m.mu.Unlock()

	for _, src := range m.opts.Sources {
		// The store now holds the launch baseline; sources report drift from it
		if seeder, ok := src.(lifecycle.Seeder); ok {
			seeder.Seed(foreground)
		}
		if err := m.observer.Attach(src); err != nil {
			m.logger.Error("Failed to attach lifecycle source", map[string]interface{}{"error": err.Error()})
		}
	}
}

// launchForeground resolves the foreground baseline for this lifetime
func (m *Monitor) launchForeground() bool {
	switch m.opts.LaunchState {
	case models.LaunchStateForeground:
		return true
	case models.LaunchStateBackground:
		return false
	}

	fg, err := m.opts.Probe.InForeground()
	if err != nil {
		m.logger.Warn("Foreground probe failed, assuming background launch", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return fg
}

// Deliver forwards a host lifecycle notification to the recorder.
// It returns after the new state is durable. Events after Shutdown are ignored.
func (m *Monitor) Deliver(ev models.Event) error {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	return m.observer.Deliver(ev)
}

// Attach starts an extra lifecycle source. Only valid after Begin.
func (m *Monitor) Attach(src lifecycle.Source) error {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	return m.observer.Attach(src)
}

// Shutdown marks an explicit normal exit: it records will_terminate,
// stops every source, waits briefly for sinks and closes the store.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		if err := m.Deliver(models.EventWillTerminate); err != nil && !errors.Is(err, ErrNotStarted) {
			m.logger.Warn("Failed to record termination", map[string]interface{}{"error": err.Error()})
		}
		m.observer.Close()

		if err := m.dispatcher.Wait(ctx); err != nil {
			m.logger.Warn("Result sinks still running at shutdown", map[string]interface{}{"error": err.Error()})
		}

		m.mu.RLock()
		trap := m.trap
		m.mu.RUnlock()
		if trap != nil {
			trap.Disarm()
		}

		m.flags.Close()
	})
}

// Guard records an unrecovered panic as a crash and re-panics.
// Defer it first thing in main and in long-lived goroutines.
// It is a no-op when a custom crash detector was supplied.
func (m *Monitor) Guard() {
	r := recover()
	if r == nil {
		return
	}

	m.mu.RLock()
	trap := m.trap
	m.mu.RUnlock()
	if trap != nil {
		trap.Record()
	}
	panic(r)
}

// Verdict returns this launch's classification and whether Begin has run
func (m *Monitor) Verdict() (models.Verdict, bool) {
	m.mu.RLock()
	classifier := m.classifier
	m.mu.RUnlock()
	if classifier == nil {
		return models.Verdict{}, false
	}
	return classifier.Verdict()
}

// Result returns the full record of this launch's classification
func (m *Monitor) Result() *report.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.result
}

// History returns the results seen by this monitor
func (m *Monitor) History() *report.History {
	return m.history
}

// Flags returns the persisted flag facade
func (m *Monitor) Flags() *store.Flags {
	return m.flags
}

// Metrics returns the metrics this monitor records into
func (m *Monitor) Metrics() *metrics.Metrics {
	return m.metrics
}

// LifetimeID identifies the current process lifetime
func (m *Monitor) LifetimeID() string {
	return m.lifetimeID
}

// CrashLogPath returns where the previous lifetime's crash output was kept,
// empty when no crash log is configured or a detector is used
func (m *Monitor) CrashLogPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trap == nil {
		return ""
	}
	return m.trap.PreviousCrashLogPath()
}

var (
	processMu      sync.Mutex
	processMonitor *Monitor
)

// BeginMonitoring is the process-wide entry point. The first call builds
// a Monitor and classifies; later calls return that Monitor unchanged.
func BeginMonitoring(handler Handler, detector func() bool, opts ...Option) *Monitor {
	if handler == nil {
		panic("oomwatch: BeginMonitoring called with a nil handler")
	}

	processMu.Lock()
	defer processMu.Unlock()

	if processMonitor != nil {
		processMonitor.logger.Warn("BeginMonitoring called more than once, keeping the first registration")
		return processMonitor
	}

	m := New(opts...)
	m.Begin(handler, detector)
	processMonitor = m
	return m
}

// Current returns the process-wide monitor, nil before BeginMonitoring
func Current() *Monitor {
	processMu.Lock()
	defer processMu.Unlock()
	return processMonitor
}
