package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/oomwatch/internal/config"
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/oomwatch"
	"github.com/psantana5/oomwatch/pkg/report"
	"github.com/psantana5/oomwatch/pkg/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted flags and what the next launch would conclude",
	Long: `Reads the flag store without modifying it and prints the persisted flags,
the classification the next monitored launch would make, and host memory.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Namespace   string                 `json:"namespace"`
	Store       string                 `json:"store"`
	Flags       models.Flags           `json:"flags"`
	CrashLog    string                 `json:"crash_log,omitempty"`
	CrashLogHit bool                   `json:"crash_log_has_evidence"`
	NextLaunch  models.Verdict         `json:"next_launch"`
	Memory      *report.MemorySnapshot `json:"memory,omitempty"`
}

// openFlags opens the configured store behind the Flags facade
func openFlags(cfg *config.Config, logger *logging.Logger) (*store.Flags, error) {
	backend, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	return store.NewFlags(backend, cfg.Namespace, logger, nil), nil
}

// crashLogEvidence reports whether the crash log holds a fatal error report
func crashLogEvidence(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	return err == nil && len(bytes.TrimSpace(data)) > 0
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	flags, err := openFlags(cfg, logger)
	if err != nil {
		return err
	}
	defer flags.Close()

	rep := statusReport{
		Namespace:   flags.Namespace(),
		Store:       flags.Backend().Name(),
		Flags:       flags.Snapshot(),
		CrashLog:    cfg.Crash.LogPath,
		CrashLogHit: crashLogEvidence(cfg.Crash.LogPath),
		Memory:      report.SampleMemory(),
	}
	rep.NextLaunch = oomwatch.Peek(flags, rep.CrashLogHit)

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Namespace", rep.Namespace)
	table.Append("Store", rep.Store)
	table.Append("wasRunning", fmt.Sprintf("%t", rep.Flags.WasRunning))
	table.Append("wasInForeground", fmt.Sprintf("%t", rep.Flags.WasInForeground))
	table.Append("crashFlag", fmt.Sprintf("%t", rep.Flags.Crash))
	if rep.CrashLog != "" {
		table.Append("Crash log", fmt.Sprintf("%s (evidence: %t)", rep.CrashLog, rep.CrashLogHit))
	}
	table.Append("Next launch", rep.NextLaunch.String())
	if rep.Memory != nil {
		table.Append("Host memory used", fmt.Sprintf("%.1f%% of %s", rep.Memory.UsedPercent, formatBytes(rep.Memory.TotalBytes)))
	}
	table.Render()
	return nil
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
