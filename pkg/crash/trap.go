package crash

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/store"
)

// TrapConfig configures the built-in crash trap
type TrapConfig struct {
	// CrashLogPath receives the runtime's fatal error output.
	// Empty disables the runtime hook; only Guard records crashes then.
	CrashLogPath string
	Logger       *logging.Logger
}

// Trap is the fallback crash detector.
// Its only job at crash time is to leave evidence; it does nothing else.
type Trap struct {
	flags        *store.Flags
	crashLogPath string
	logger       *logging.Logger

	once     sync.Once
	mu       sync.Mutex
	previous bool
	hooked   bool
}

// NewTrap creates a trap. Nothing is installed until Arm.
func NewTrap(flags *store.Flags, config TrapConfig) *Trap {
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Trap{
		flags:        flags,
		crashLogPath: config.CrashLogPath,
		logger:       logger.WithField("component", "crash-trap"),
	}
}

// Arm consumes the previous lifetime's evidence, then installs the hooks
// for this lifetime. Call it as early as possible. Safe to call repeatedly.
func (t *Trap) Arm() {
	t.once.Do(func() {
		t.previous = t.consume()
		t.install()
	})
}

// consume reads and resets the evidence left by the previous lifetime
func (t *Trap) consume() bool {
	crashed := t.flags.Get(models.FlagCrash)

	if t.crashLogPath != "" {
		data, err := os.ReadFile(t.crashLogPath)
		switch {
		case err == nil && len(bytes.TrimSpace(data)) > 0:
			crashed = true
			// Keep the last crash report around for humans
			if err := os.WriteFile(t.PreviousCrashLogPath(), data, 0644); err != nil {
				t.logger.Warn("Failed to keep previous crash log", map[string]interface{}{"error": err.Error()})
			}
			t.clearCrashLog()
		case err != nil && !os.IsNotExist(err):
			t.logger.Warn("Failed to read crash log, ignoring it", map[string]interface{}{"error": err.Error()})
		}
	}

	if crashed {
		t.flags.Set(models.FlagCrash, false)
		t.flags.Flush()
	}
	return crashed
}

// clearCrashLog empties consumed evidence. It does not depend on install
// succeeding, so a stale report is never read twice.
func (t *Trap) clearCrashLog() {
	err := os.Truncate(t.crashLogPath, 0)
	if err == nil {
		return
	}
	if rmErr := os.Remove(t.crashLogPath); rmErr != nil && !os.IsNotExist(rmErr) {
		t.logger.Error("Failed to clear crash log, the next launch may report a stale crash", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// install takes the runtime's crash output slot
func (t *Trap) install() {
	if t.crashLogPath == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(t.crashLogPath), 0755); err != nil {
		t.logger.Error("Failed to create crash log directory", map[string]interface{}{"error": err.Error()})
		return
	}

	f, err := os.OpenFile(t.crashLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		t.logger.Error("Failed to open crash log", map[string]interface{}{"error": err.Error()})
		return
	}
	// SetCrashOutput duplicates the descriptor
	defer f.Close()

	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		t.logger.Error("Failed to install crash output hook", map[string]interface{}{"error": err.Error()})
		return
	}

	t.mu.Lock()
	t.hooked = true
	t.mu.Unlock()
	t.logger.Debug("Crash output hook installed", map[string]interface{}{"path": t.crashLogPath})
}

// HadCrash implements Oracle. Arms the trap if needed.
func (t *Trap) HadCrash() bool {
	t.Arm()
	return t.previous
}

// Guard records an unrecovered panic and lets it continue.
// Use it as the first deferred call of main and long-lived goroutines:
//
//	defer trap.Guard()
func (t *Trap) Guard() {
	if r := recover(); r != nil {
		t.Record()
		panic(r)
	}
}

// Record durably marks this lifetime as crashed
func (t *Trap) Record() {
	t.flags.Set(models.FlagCrash, true)
	t.flags.Flush()
}

// Disarm releases the runtime crash output slot
func (t *Trap) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hooked {
		return
	}
	if err := debug.SetCrashOutput(nil, debug.CrashOptions{}); err != nil {
		t.logger.Warn("Failed to release crash output hook", map[string]interface{}{"error": err.Error()})
		return
	}
	t.hooked = false
}

// PreviousCrashLogPath is where the last lifetime's crash output is kept
func (t *Trap) PreviousCrashLogPath() string {
	if t.crashLogPath == "" {
		return ""
	}
	return t.crashLogPath + ".prev"
}
