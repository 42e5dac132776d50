package report

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
)

// MemorySnapshot is host memory at detection time
type MemorySnapshot struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// Result is the immutable record of one classification.
// Set once at launch, never change.
type Result struct {
	ID         string    `json:"id"`
	LifetimeID string    `json:"lifetime_id"`
	PID        int       `json:"pid"`
	DetectedAt time.Time `json:"detected_at"`

	Verdict models.Verdict `json:"verdict"`

	// Flags as found before the baseline reset
	Previous models.Flags `json:"previous"`

	Memory *MemorySnapshot `json:"memory,omitempty"`
	Store  string          `json:"store"`
}

// NewResult creates a result for the current process
func NewResult(lifetimeID string, verdict models.Verdict, previous models.Flags, storeName string) *Result {
	return &Result{
		ID:         uuid.NewString(),
		LifetimeID: lifetimeID,
		PID:        os.Getpid(),
		DetectedAt: time.Now().UTC(),
		Verdict:    verdict,
		Previous:   previous,
		Memory:     SampleMemory(),
		Store:      storeName,
	}
}

// SampleMemory reads host memory, nil when unavailable
func SampleMemory() *MemorySnapshot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil
	}
	return &MemorySnapshot{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedPercent:    vm.UsedPercent,
	}
}

// Summary is the one-line form ops grep for
func (r *Result) Summary() string {
	memStr := "mem=unknown"
	if r.Memory != nil {
		memStr = fmt.Sprintf("mem_used=%.1f%%", r.Memory.UsedPercent)
	}
	return fmt.Sprintf("PREVIOUS LIFETIME %s | foreground=%t | %s | pid=%d | store=%s",
		r.Verdict.Classification,
		r.Verdict.WasInForeground,
		memStr,
		r.PID,
		r.Store,
	)
}

// Log writes the summary through logger. Kills are warnings.
func (r *Result) Log(logger *logging.Logger) {
	fields := map[string]interface{}{
		"id":                r.ID,
		"classification":    string(r.Verdict.Classification),
		"was_in_foreground": r.Verdict.WasInForeground,
		"pid":               r.PID,
	}
	if r.Verdict.IsKill() {
		logger.Warn(r.Summary(), fields)
		return
	}
	logger.Info(r.Summary(), fields)
}
