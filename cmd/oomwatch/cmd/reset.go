package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all persisted flags",
	Long:  `Clears wasRunning, wasInForeground and crashFlag, and removes the crash log, as if the app had never run.`,
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
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

	flags.Reset()

	if cfg.Crash.LogPath != "" {
		if err := os.Remove(cfg.Crash.LogPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove crash log: %w", err)
		}
	}

	fmt.Printf("Flags in namespace %q cleared (%s store)\n", flags.Namespace(), flags.Backend().Name())
	return nil
}
