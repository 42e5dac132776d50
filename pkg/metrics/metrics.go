package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/oomwatch/pkg/models"
)

// Metrics are boring counters only.
// Every counter must be explainable by looking at the persisted flags
// and the classification history.
type Metrics struct {
	registry *prometheus.Registry

	classifications *prometheus.CounterVec
	events          *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	inForeground    prometheus.Gauge
}

// New creates metrics on a private registry.
// A private registry lets several monitors coexist in one test binary.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oomwatch_classifications_total",
				Help: "Classifications of previous process lifetimes",
			},
			[]string{"classification"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oomwatch_lifecycle_events_total",
				Help: "Lifecycle events recorded in this lifetime",
			},
			[]string{"event"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oomwatch_store_errors_total",
				Help: "Flag store failures that were logged and swallowed",
			},
			[]string{"op"},
		),
		inForeground: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oomwatch_in_foreground",
				Help: "1 if the last recorded state of this lifetime is foreground",
			},
		),
	}

	m.registry.MustRegister(m.classifications, m.events, m.storeErrors, m.inForeground)

	// Pre-create label values so dashboards see zeros instead of gaps
	for _, c := range []models.Classification{
		models.ClassificationCrash,
		models.ClassificationNormalTermination,
		models.ClassificationMemoryPressureKill,
	} {
		m.classifications.WithLabelValues(string(c))
	}

	return m
}

// RecordVerdict counts a classification
func (m *Metrics) RecordVerdict(v models.Verdict) {
	m.classifications.WithLabelValues(string(v.Classification)).Inc()
}

// RecordEvent counts a lifecycle event and tracks the foreground gauge
func (m *Metrics) RecordEvent(ev models.Event) {
	m.events.WithLabelValues(string(ev)).Inc()
	if _, foreground, err := models.FlagsFor(ev); err == nil {
		m.SetForeground(foreground)
	}
}

// SetForeground sets the foreground gauge
func (m *Metrics) SetForeground(foreground bool) {
	if foreground {
		m.inForeground.Set(1)
	} else {
		m.inForeground.Set(0)
	}
}

// RecordStoreError counts a swallowed store failure ("get", "set", "flush")
func (m *Metrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText writes all metric families in Prometheus text format
func (m *Metrics) WriteText(w io.Writer) error {
	metricFamilies, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}

	_, err = w.Write(buf.Bytes())
	return err
}
