package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/psantana5/oomwatch/pkg/models"
)

func TestRecordVerdict(t *testing.T) {
	m := New()
	m.RecordVerdict(models.Verdict{Classification: models.ClassificationMemoryPressureKill})
	m.RecordVerdict(models.Verdict{Classification: models.ClassificationMemoryPressureKill})
	m.RecordVerdict(models.Verdict{Classification: models.ClassificationCrash})

	kills := testutil.ToFloat64(m.classifications.WithLabelValues("memory_pressure_kill"))
	if kills != 2 {
		t.Errorf("Expected 2 kills, got %v", kills)
	}
	normal := testutil.ToFloat64(m.classifications.WithLabelValues("normal_termination"))
	if normal != 0 {
		t.Errorf("Expected 0 normal terminations, got %v", normal)
	}
}

func TestRecordEventTracksForeground(t *testing.T) {
	m := New()

	m.RecordEvent(models.EventBecameActive)
	if got := testutil.ToFloat64(m.inForeground); got != 1 {
		t.Errorf("Expected foreground gauge 1, got %v", got)
	}

	m.RecordEvent(models.EventEnteredBackground)
	if got := testutil.ToFloat64(m.inForeground); got != 0 {
		t.Errorf("Expected foreground gauge 0, got %v", got)
	}

	if got := testutil.ToFloat64(m.events.WithLabelValues("became_active")); got != 1 {
		t.Errorf("Expected 1 became_active event, got %v", got)
	}
}

func TestWriteText(t *testing.T) {
	m := New()
	m.RecordStoreError("set")

	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"# TYPE oomwatch_classifications_total counter",
		`oomwatch_store_errors_total{op="set"} 1`,
		"oomwatch_in_foreground 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "oomwatch_classifications_total") {
		t.Error("handler output missing classification counter")
	}
}
