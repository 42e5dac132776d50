package oomwatch

import (
	"github.com/psantana5/oomwatch/pkg/lifecycle"
	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/metrics"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/report"
	"github.com/psantana5/oomwatch/pkg/store"
	"github.com/psantana5/oomwatch/pkg/tracing"
)

// Options configures a Monitor
type Options struct {
	Namespace   string
	LaunchState models.LaunchState
	Probe       lifecycle.ForegroundProbe

	// Store wins over StoreConfig when both are set
	Store       store.Store
	StoreConfig store.Config

	// CrashLogPath receives the runtime's fatal error output in trap mode.
	// Empty means <namespace>.crash.log next to an on-disk store, or in the
	// user config directory.
	CrashLogPath string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider

	Sources     []lifecycle.Source
	Sinks       []report.Sink
	HistorySize int
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Namespace:   store.DefaultNamespace,
		LaunchState: models.LaunchStateAuto,
		Probe:       lifecycle.TerminalProbe{},
		StoreConfig: store.Config{Type: "file"},
		HistorySize: 50,
	}
}

// WithNamespace sets the key prefix
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithLaunchState decides how the new lifetime's foreground baseline is set
func WithLaunchState(state models.LaunchState) Option {
	return func(o *Options) { o.LaunchState = state }
}

// WithProbe replaces the terminal foreground probe
func WithProbe(p lifecycle.ForegroundProbe) Option {
	return func(o *Options) { o.Probe = p }
}

// WithStore uses an already opened backend
func WithStore(s store.Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithStoreConfig opens a backend from config
func WithStoreConfig(cfg store.Config) Option {
	return func(o *Options) { o.StoreConfig = cfg }
}

// WithCrashLog sets the runtime crash output file
func WithCrashLog(path string) Option {
	return func(o *Options) { o.CrashLogPath = path }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics records into an existing metrics set
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer traces classification
func WithTracer(p *tracing.Provider) Option {
	return func(o *Options) { o.Tracer = p }
}

// WithSources attaches lifecycle sources after classification
func WithSources(srcs ...lifecycle.Source) Option {
	return func(o *Options) { o.Sources = append(o.Sources, srcs...) }
}

// WithSinks forwards every result to sinks
func WithSinks(sinks ...report.Sink) Option {
	return func(o *Options) { o.Sinks = append(o.Sinks, sinks...) }
}

// WithHistorySize bounds the in-memory result history
func WithHistorySize(n int) Option {
	return func(o *Options) { o.HistorySize = n }
}
