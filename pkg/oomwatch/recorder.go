package oomwatch

import (
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/store"
)

// Recorder keeps wasRunning and wasInForeground current as the app moves
// through its lifecycle. Every callback is durable before it returns.
type Recorder struct {
	flags  *store.Flags
	logger *logging.Logger
}

// NewRecorder creates a recorder writing through flags
func NewRecorder(flags *store.Flags, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Recorder{flags: flags, logger: logger}
}

// OnBecameActive implements lifecycle.Listener
func (r *Recorder) OnBecameActive() { r.record(models.EventBecameActive) }

// OnEnteredBackground implements lifecycle.Listener
func (r *Recorder) OnEnteredBackground() { r.record(models.EventEnteredBackground) }

// OnWillTerminate implements lifecycle.Listener
func (r *Recorder) OnWillTerminate() { r.record(models.EventWillTerminate) }

func (r *Recorder) record(ev models.Event) {
	running, foreground, err := models.FlagsFor(ev)
	if err != nil {
		r.logger.Warn("Ignoring lifecycle event", map[string]interface{}{"error": err.Error()})
		return
	}

	r.flags.Set(models.FlagWasInForeground, foreground)
	r.flags.Set(models.FlagWasRunning, running)
	r.flags.Flush()

	r.logger.Debug("Recorded lifecycle state", map[string]interface{}{
		"event":      string(ev),
		"running":    running,
		"foreground": foreground,
	})
}
