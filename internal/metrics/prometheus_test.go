package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusCountersExposed(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.FlashLoans.Inc()
	prom.Metrics.FlashLoans.Inc()
	prom.Metrics.OpenPositions.Inc()

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "flashlev_positions_opened_total 1") {
		t.Fatalf("opened counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "flashlev_flash_loans_total 2") {
		t.Fatalf("flash loan counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "flashlev_open_positions 1") {
		t.Fatalf("open positions gauge missing from exposition:\n%s", body)
	}
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.PositionsOpened.Inc()
	m.OperationsFailed.Inc()
	m.OpenPositions.Inc()
	m.OpenPositions.Dec()
	m.OpenPositions.Set(3)
}
