package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/oomwatch/internal/config"
	"github.com/psantana5/oomwatch/pkg/api"
	"github.com/psantana5/oomwatch/pkg/lifecycle"
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/metrics"
	"github.com/psantana5/oomwatch/pkg/oomwatch"
	"github.com/psantana5/oomwatch/pkg/report"
	"github.com/psantana5/oomwatch/pkg/tracing"
)

var (
	runPanicAfter time.Duration
	runDuration   time.Duration
	runListen     string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a monitored process",
	Long: `Starts a long-running monitored process. On start it classifies how the
previous run ended, then records lifecycle transitions until it exits.

  kill -USR1 <pid>   became active (foreground)
  kill -USR2 <pid>   entered background
  kill -TERM <pid>   normal termination
  kill -9 <pid>      simulates a memory pressure kill
  --panic-after 5s   simulates an uncaught fatal error`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runPanicAfter, "panic-after", 0, "panic after this long (simulated crash)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "exit normally after this long (0 = until signalled)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "status server address (overrides metrics.listen)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runListen != "" {
		cfg.Metrics.Listen = runListen
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:  "oomwatch",
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}

	opts, signals, err := monitorOptions(cfg, logger, tracer)
	if err != nil {
		return err
	}

	var detector func() bool
	if !cfg.Crash.Trap {
		logger.Warn("Crash trap disabled and no crash reporter configured, crashes will not be detected")
		detector = func() bool { return false }
	}

	monitor := oomwatch.BeginMonitoring(func(wasInForeground bool) {
		logger.Warn("Previous run was killed under memory pressure", map[string]interface{}{
			"was_in_foreground": wasInForeground,
		})
	}, detector, opts...)
	defer monitor.Guard()

	var server *api.Server
	if cfg.Metrics.Listen != "" {
		server, err = newStatusServer(cfg, monitor, logger, tracer)
		if err != nil {
			return err
		}
		server.Start()
	}

	var terminated <-chan struct{}
	if signals != nil {
		if server != nil {
			signals.OnTerminate(lifecycle.StopHTTPServer(server, "status"))
		}
		signals.OnTerminate(tracer.Shutdown)
		terminated = signals.Terminated()
	}

	// Without the signal source, Ctrl-C still ends the run normally
	var interrupted <-chan struct{}
	if signals == nil {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		interrupted = ctx.Done()
	}

	var panicAt, stopAt <-chan time.Time
	if runPanicAfter > 0 {
		panicAt = time.After(runPanicAfter)
	}
	if runDuration > 0 {
		stopAt = time.After(runDuration)
	}

	logger.Info("Monitoring", map[string]interface{}{"lifetime_id": monitor.LifetimeID()})

	select {
	case <-terminated:
		logger.Info("Terminated by signal")
	case <-interrupted:
		logger.Info("Interrupted")
		stopServices(server, tracer)
	case <-stopAt:
		logger.Info("Run duration elapsed")
		stopServices(server, tracer)
	case <-panicAt:
		panic(fmt.Sprintf("simulated fatal error after %s", runPanicAfter))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	monitor.Shutdown(ctx)
	return nil
}

func newStatusServer(cfg *config.Config, monitor api.Monitor, logger *logging.Logger, tracer *tracing.Provider) (*api.Server, error) {
	handler := api.NewHandler(monitor, logger)
	err := handler.Protect(api.AccessConfig{
		APIKey:          cfg.Metrics.APIKey,
		EventsPerSecond: cfg.Metrics.EventsPerSecond,
		Burst:           cfg.Metrics.Burst,
	})
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.Metrics.TLSCert != "" {
		tlsConfig, err = api.LoadTLSConfig(cfg.Metrics.TLSCert, cfg.Metrics.TLSKey, cfg.Metrics.ClientCA)
		if err != nil {
			return nil, err
		}
	}

	return api.NewServer(cfg.Metrics.Listen, tlsConfig, handler, tracer), nil
}

func stopServices(server *api.Server, tracer *tracing.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if server != nil {
		server.Shutdown(ctx)
	}
	tracer.Shutdown(ctx)
}

// monitorOptions translates the configuration into monitor options.
// The signal source is returned separately so the caller can wait on it.
func monitorOptions(cfg *config.Config, logger *logging.Logger, tracer *tracing.Provider) ([]oomwatch.Option, *lifecycle.SignalSource, error) {
	opts := []oomwatch.Option{
		oomwatch.WithNamespace(cfg.Namespace),
		oomwatch.WithLaunchState(cfg.Launch()),
		oomwatch.WithStoreConfig(cfg.StoreConfig()),
		oomwatch.WithLogger(logger),
		oomwatch.WithMetrics(metrics.New()),
		oomwatch.WithTracer(tracer),
	}
	if cfg.Crash.Trap {
		opts = append(opts, oomwatch.WithCrashLog(cfg.Crash.LogPath))
	}

	var signals *lifecycle.SignalSource
	if cfg.Lifecycle.Signals {
		signals = lifecycle.NewSignalSource(lifecycle.SignalConfig{
			JobControl: cfg.Lifecycle.JobControl,
		}, logger)
		opts = append(opts, oomwatch.WithSources(signals))
	}

	poll, err := cfg.PollInterval()
	if err != nil {
		return nil, nil, err
	}
	if poll > 0 {
		opts = append(opts, oomwatch.WithSources(lifecycle.NewForegroundWatcher(lifecycle.TerminalProbe{}, poll, logger)))
	}

	if cfg.Webhook.URL != "" {
		timeout, err := cfg.WebhookTimeout()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, oomwatch.WithSinks(report.NewWebhook(cfg.Webhook.URL, timeout, cfg.Webhook.MaxRetries)))
	}

	return opts, signals, nil
}
