package oomwatch

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/oomwatch/pkg/crash"
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/store"
	"github.com/psantana5/oomwatch/pkg/tracing"
)

// Handler is called once per launch when the previous lifetime was
// killed by the host for memory pressure
type Handler func(wasInForeground bool)

// Decide is the classification rule, evaluated in order:
// a crash wins, then a recorded clean stop (or no record at all),
// and anything left is a memory pressure kill.
func Decide(crashed bool, previous models.Flags) models.Verdict {
	switch {
	case crashed:
		return models.Verdict{Classification: models.ClassificationCrash}
	case !previous.WasRunning:
		return models.Verdict{Classification: models.ClassificationNormalTermination}
	default:
		return models.Verdict{
			Classification:  models.ClassificationMemoryPressureKill,
			WasInForeground: previous.WasInForeground,
		}
	}
}

// Peek predicts the next launch's verdict without consuming or
// resetting anything
func Peek(flags *store.Flags, crashed bool) models.Verdict {
	previous := flags.Snapshot()
	return Decide(crashed || previous.Crash, previous)
}

// ClassifierConfig wires a classifier
type ClassifierConfig struct {
	Flags  *store.Flags
	Oracle crash.Oracle

	// LaunchForeground becomes wasInForeground for the new lifetime
	LaunchForeground bool

	Tracer *tracing.Provider
	Logger *logging.Logger
}

// Classifier turns the previous lifetime's flags into a verdict, once
type Classifier struct {
	cfg ClassifierConfig

	once     sync.Once
	mu       sync.Mutex
	done     bool
	verdict  models.Verdict
	previous models.Flags
}

// NewClassifier creates a classifier
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Oracle == nil {
		cfg.Oracle = crash.Static(false)
	}
	return &Classifier{cfg: cfg}
}

// Run classifies the previous lifetime and resets the flags for this one.
// The handler sees a memory pressure kill only, after the reset.
// Later calls return the first verdict and never invoke handler.
func (c *Classifier) Run(handler Handler) models.Verdict {
	c.once.Do(func() {
		verdict, previous := c.classify(handler)
		c.mu.Lock()
		c.verdict, c.previous, c.done = verdict, previous, true
		c.mu.Unlock()
	})

	v, _ := c.Verdict()
	return v
}

func (c *Classifier) classify(handler Handler) (models.Verdict, models.Flags) {
	ctx, span := c.cfg.Tracer.StartSpan(context.Background(), "oomwatch.classify")
	defer span.End()

	crashed := c.cfg.Oracle.HadCrash()
	previous := c.cfg.Flags.Snapshot()
	previous.Crash = crashed

	verdict := Decide(crashed, previous)

	// Baseline for the new lifetime: no lifecycle event has been seen yet
	c.cfg.Flags.Set(models.FlagWasRunning, true)
	c.cfg.Flags.Set(models.FlagWasInForeground, c.cfg.LaunchForeground)
	c.cfg.Flags.Flush()
	tracing.AddEvent(ctx, "baseline_reset", attribute.Bool("launch_foreground", c.cfg.LaunchForeground))

	span.SetAttributes(
		attribute.String("classification", string(verdict.Classification)),
		attribute.Bool("was_in_foreground", verdict.WasInForeground),
	)

	if verdict.IsKill() && handler != nil {
		c.notify(handler, verdict.WasInForeground)
	}
	return verdict, previous
}

// notify runs the application's handler. A panic there is logged and
// swallowed: detection must keep running for the new lifetime.
func (c *Classifier) notify(handler Handler, wasInForeground bool) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Error("Memory pressure kill handler panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	handler(wasInForeground)
}

// Verdict returns the memoized verdict and whether Run has finished
func (c *Classifier) Verdict() (models.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict, c.done
}

// Previous returns the flags as found at launch, crash included
func (c *Classifier) Previous() models.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}
