package report

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/oomwatch/pkg/logging"
)

// Sink receives classification results
type Sink interface {
	Deliver(ctx context.Context, r *Result) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, r *Result) error

// Deliver implements Sink
func (f SinkFunc) Deliver(ctx context.Context, r *Result) error { return f(ctx, r) }

// Dispatcher fans results out to sinks in the background.
// Publish never blocks the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *logging.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds each delivery.
func NewDispatcher(timeout time.Duration, logger *logging.Logger, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.WithField("component", "sinks"),
	}
}

// Len returns the number of sinks
func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Publish delivers r to every sink on its own goroutine
func (d *Dispatcher) Publish(r *Result) {
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := s.Deliver(ctx, r); err != nil {
				d.logger.Error("Result delivery failed", map[string]interface{}{
					"id":    r.ID,
					"error": err.Error(),
				})
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
