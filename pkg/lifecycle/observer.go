// Package lifecycle turns host lifecycle signals into three events
// (became active, entered background, will terminate) and forwards them,
// one at a time and unmodified, to a single Listener.
//
// Delivery is synchronous: Deliver returns only after the listener has
// persisted the transition. The host may kill the process right after a
// background or terminate notification, so nothing is queued.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

// Listener receives lifecycle transitions
type Listener interface {
	OnBecameActive()
	OnEnteredBackground()
	OnWillTerminate()
}

// Source is a host notification mechanism
type Source interface {
	// Start begins forwarding host notifications to sink
	Start(sink func(models.Event)) error
	Stop()
}

// Seeder is a source that compares what it observes against a known
// starting foreground state. Monitors seed it with the launch baseline.
type Seeder interface {
	Seed(inForeground bool)
}

// Observer serializes every source onto one sequencing context.
// Listeners must not call Deliver from inside a callback.
type Observer struct {
	mu       sync.Mutex
	listener Listener
	hooks    []func(models.Event)
	sources  []Source
	closed   bool
	logger   *logging.Logger
}

// NewObserver creates an observer forwarding to listener
func NewObserver(listener Listener, logger *logging.Logger) *Observer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Observer{
		listener: listener,
		logger:   logger.WithField("component", "lifecycle"),
	}
}

// OnDeliver registers a hook run after the listener, inside the same turn
func (o *Observer) OnDeliver(fn func(models.Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Deliver forwards one event. Events after Close are ignored.
func (o *Observer) Deliver(ev models.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.logger.Debug("Observer closed, dropping event", map[string]interface{}{"event": string(ev)})
		return nil
	}

	switch ev {
	case models.EventBecameActive:
		o.listener.OnBecameActive()
	case models.EventEnteredBackground:
		o.listener.OnEnteredBackground()
	case models.EventWillTerminate:
		o.listener.OnWillTerminate()
	default:
		return fmt.Errorf("unknown lifecycle event: %s", ev)
	}

	for _, hook := range o.hooks {
		hook(ev)
	}
	return nil
}

// sink adapts Deliver for sources, logging unknown events
func (o *Observer) sink(ev models.Event) {
	if err := o.Deliver(ev); err != nil {
		o.logger.Warn("Dropping lifecycle event", map[string]interface{}{"error": err.Error()})
	}
}

// Attach starts a source feeding this observer
func (o *Observer) Attach(src Source) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("observer is closed")
	}
	o.sources = append(o.sources, src)
	o.mu.Unlock()

	if err := src.Start(o.sink); err != nil {
		return fmt.Errorf("failed to start lifecycle source: %w", err)
	}
	return nil
}

// Close stops every source and ignores later events
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sources := o.sources
	o.sources = nil
	o.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}

// ChannelSource forwards events pushed on a channel by the host,
// e.g. a mobile or GUI bridge
type ChannelSource struct {
	events  <-chan models.Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
	mu      sync.Mutex
}

// NewChannelSource creates a source reading from events
func NewChannelSource(events <-chan models.Event) *ChannelSource {
	return &ChannelSource{
		events: events,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start implements Source
func (c *ChannelSource) Start(sink func(models.Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("channel source already started")
	}
	c.started = true

	go func() {
		defer close(c.done)
		for {
			select {
			case ev, ok := <-c.events:
				if !ok {
					return
				}
				sink(ev)
			case <-c.stop:
				return
			}
		}
	}()
	return nil
}

// Stop implements Source and waits for the forwarding goroutine
func (c *ChannelSource) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops.
type ListenerFuncs struct {
	Active     func()
	Background func()
	Terminate  func()
}

// OnBecameActive implements Listener
func (l ListenerFuncs) OnBecameActive() {
	if l.Active != nil {
		l.Active()
	}
}

// OnEnteredBackground implements Listener
func (l ListenerFuncs) OnEnteredBackground() {
	if l.Background != nil {
		l.Background()
	}
}

// OnWillTerminate implements Listener
func (l ListenerFuncs) OnWillTerminate() {
	if l.Terminate != nil {
		l.Terminate()
	}
}
