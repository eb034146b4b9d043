package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(SlotsAllocated.WithLabelValues("US", "fallback"))
	RecordSlot("US", true)
	if got := testutil.ToFloat64(SlotsAllocated.WithLabelValues("US", "fallback")); got != before+1 {
		t.Fatalf("fallback slots = %v, want %v", got, before+1)
	}

	RecordTraining("ok", 10*time.Millisecond)
	SetAccuracy("page-x", map[string]float64{"reach_rate": 0.75})
	if got := testutil.ToFloat64(ModelAccuracy.WithLabelValues("page-x", "reach_rate")); got != 0.75 {
		t.Fatalf("accuracy gauge = %v", got)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	RecordValidation(1, 0, 2)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "postwise_validation_findings_total") {
		t.Fatal("metrics output missing validation counter")
	}
}
