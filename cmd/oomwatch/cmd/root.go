package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/oomwatch/internal/config"
	"github.com/psantana5/oomwatch/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "oomwatch",
	Short: "Find out how the previous process lifetime ended",
	Long: `oomwatch records a process's lifecycle in a small durable store and, on the
next launch, classifies how the previous lifetime ended: a crash, a normal
termination, or a silent kill by the host under memory pressure.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.oomwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().String("namespace", "", "key namespace (default from config)")
	rootCmd.PersistentFlags().String("store", "", "store backend: file, sqlite, postgres, memory")
	rootCmd.PersistentFlags().String("store-path", "", "file or sqlite path")

	viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("store.type", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store-path"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".oomwatch"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config is fine, an explicit one must exist
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}
}

// loadConfig returns the merged configuration (defaults, file, env, flags)
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the logger described by cfg
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		return logging.NewFileLogger(cfg.Log.File, "oomwatch", level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON), nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
