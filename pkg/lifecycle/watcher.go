package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

// ForegroundWatcher polls a probe and reports foreground changes.
// Observation only: it never touches the terminal or the process group.
type ForegroundWatcher struct {
	probe    ForegroundProbe
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	started bool
	last    bool
	known   bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewForegroundWatcher creates a watcher polling every interval
func NewForegroundWatcher(probe ForegroundProbe, interval time.Duration, logger *logging.Logger) *ForegroundWatcher {
	if probe == nil {
		probe = TerminalProbe{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ForegroundWatcher{
		probe:    probe,
		interval: interval,
		logger:   logger.WithField("source", "foreground"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Seed implements Seeder: it sets the state the first poll is compared
// against. Without a seed the first successful poll only records the state.
func (w *ForegroundWatcher) Seed(inForeground bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = inForeground
	w.known = true
}

// Start implements Source
func (w *ForegroundWatcher) Start(sink func(models.Event)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("foreground watcher already started")
	}
	w.started = true

	go w.loop(sink)
	return nil
}

func (w *ForegroundWatcher) loop(sink func(models.Event)) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll(sink)
		}
	}
}

func (w *ForegroundWatcher) poll(sink func(models.Event)) {
	fg, err := w.probe.InForeground()
	if err != nil {
		// If we are unsure, report nothing
		w.logger.Debug("Foreground probe failed", map[string]interface{}{"error": err.Error()})
		return
	}

	w.mu.Lock()
	changed := w.known && fg != w.last
	w.last = fg
	w.known = true
	w.mu.Unlock()

	if !changed {
		return
	}
	if fg {
		sink(models.EventBecameActive)
	} else {
		sink(models.EventEnteredBackground)
	}
}

// Stop implements Source
func (w *ForegroundWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}
