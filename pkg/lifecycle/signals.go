package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

// SignalConfig maps OS signals to lifecycle events.
// Empty slices fall back to the platform defaults.
type SignalConfig struct {
	Active     []os.Signal
	Background []os.Signal
	Terminate  []os.Signal

	// JobControl maps SIGTSTP to entered_background (then stops the
	// process) and SIGCONT to a fresh foreground probe
	JobControl bool
	Probe      ForegroundProbe

	// ShutdownTimeout bounds the functions registered with OnTerminate
	ShutdownTimeout time.Duration
}

// SignalSource delivers lifecycle events from OS signals
type SignalSource struct {
	cfg    SignalConfig
	logger *logging.Logger

	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
	started       bool

	sigChan    chan os.Signal
	stop       chan struct{}
	done       chan struct{}
	terminated chan struct{}
	stopOnce   sync.Once
	termOnce   sync.Once
}

// NewSignalSource creates a signal source
func NewSignalSource(cfg SignalConfig, logger *logging.Logger) *SignalSource {
	if len(cfg.Active) == 0 {
		cfg.Active = defaultActiveSignals()
	}
	if len(cfg.Background) == 0 {
		cfg.Background = defaultBackgroundSignals()
	}
	if len(cfg.Terminate) == 0 {
		cfg.Terminate = defaultTerminateSignals()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Probe == nil {
		cfg.Probe = TerminalProbe{}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &SignalSource{
		cfg:        cfg,
		logger:     logger.WithField("source", "signals"),
		sigChan:    make(chan os.Signal, 4),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// OnTerminate registers a function run after will_terminate was delivered.
// Functions are called in reverse order (LIFO).
func (s *SignalSource) OnTerminate(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownFuncs = append(s.shutdownFuncs, fn)
}

// Terminated is closed once a terminate signal was handled
// and every shutdown function has returned
func (s *SignalSource) Terminated() <-chan struct{} {
	return s.terminated
}

// Start implements Source
func (s *SignalSource) Start(sink func(models.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("signal source already started")
	}
	s.started = true

	events := s.routes()
	watched := make([]os.Signal, 0, len(events))
	for sig := range events {
		watched = append(watched, sig)
	}
	signal.Notify(s.sigChan, watched...)

	go s.loop(sink, events)
	return nil
}

type signalRoute int

const (
	routeActive signalRoute = iota
	routeBackground
	routeTerminate
	routeSuspend
	routeResume
)

func (s *SignalSource) routes() map[os.Signal]signalRoute {
	routes := make(map[os.Signal]signalRoute)
	for _, sig := range s.cfg.Active {
		routes[sig] = routeActive
	}
	for _, sig := range s.cfg.Background {
		routes[sig] = routeBackground
	}
	for _, sig := range s.cfg.Terminate {
		routes[sig] = routeTerminate
	}
	if s.cfg.JobControl {
		for _, sig := range suspendSignals() {
			routes[sig] = routeSuspend
		}
		for _, sig := range resumeSignals() {
			routes[sig] = routeResume
		}
	}
	return routes
}

func (s *SignalSource) loop(sink func(models.Event), routes map[os.Signal]signalRoute) {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case sig := <-s.sigChan:
			s.logger.Debug("Received signal", map[string]interface{}{"signal": sig.String()})

			switch routes[sig] {
			case routeActive:
				sink(models.EventBecameActive)
			case routeBackground:
				sink(models.EventEnteredBackground)
			case routeSuspend:
				sink(models.EventEnteredBackground)
				if err := stopSelf(); err != nil {
					s.logger.Warn("Failed to suspend process", map[string]interface{}{"error": err.Error()})
				}
			case routeResume:
				fg, err := s.cfg.Probe.InForeground()
				if err != nil {
					s.logger.Warn("Foreground probe failed", map[string]interface{}{"error": err.Error()})
				}
				if fg {
					sink(models.EventBecameActive)
				} else {
					sink(models.EventEnteredBackground)
				}
			case routeTerminate:
				sink(models.EventWillTerminate)
				s.shutdown()
			}
		}
	}
}

// shutdown runs the registered functions once, newest first
func (s *SignalSource) shutdown() {
	s.termOnce.Do(func() {
		s.mu.Lock()
		funcs := append([]func(context.Context) error(nil), s.shutdownFuncs...)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](ctx); err != nil {
				s.logger.Error("Shutdown function failed", map[string]interface{}{
					"index": i,
					"error": err.Error(),
				})
			}
		}

		s.logger.Info("Graceful shutdown complete")
		close(s.terminated)
	})
}

// Stop implements Source
func (s *SignalSource) Stop() {
	s.stopOnce.Do(func() {
		signal.Stop(s.sigChan)
		close(s.stop)
	})

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// CloseResource creates a shutdown function for an io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// StopHTTPServer creates a shutdown function for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}
