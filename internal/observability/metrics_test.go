package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisteredAndServed(t *testing.T) {
	ExtractionsTotal.WithLabelValues("fresh", "ok").Inc()
	if got := testutil.ToFloat64(ExtractionsTotal.WithLabelValues("fresh", "ok")); got < 1 {
		t.Errorf("counter not incremented: %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "hikugen_extractions_total") {
		t.Errorf("metric not exposed")
	}
}

func TestResultLabel(t *testing.T) {
	if ResultLabel(nil) != "ok" || ResultLabel(errors.New("x")) != "error" {
		t.Error("unexpected labels")
	}
}
