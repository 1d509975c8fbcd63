package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.FetchSucceeded(1, 2, 3, time.Second)
	m.FetchFailed(time.Second)
	m.ThresholdPass(1, 1, 0, time.Second)
	m.Notification("sent")
	m.Command("help")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestHandlerExposesRecordedValues(t *testing.T) {
	t.Parallel()
	m := New()
	m.FetchSucceeded(20, 2000, 0.00004, 10*time.Millisecond)
	m.FetchFailed(time.Millisecond)
	m.ThresholdPass(2, 1, 1, time.Millisecond)
	m.Notification("sent")
	m.Notification("sent")
	m.Command("gasprice")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"ethgasmeter_gas_price_gwei 20",
		"ethgasmeter_eth_usd 2000",
		`ethgasmeter_fetch_total{status="ok"} 1`,
		`ethgasmeter_fetch_total{status="error"} 1`,
		`ethgasmeter_threshold_transitions_total{direction="entering"} 2`,
		`ethgasmeter_threshold_transitions_total{direction="exiting"} 1`,
		"ethgasmeter_threshold_conflicts_total 1",
		`ethgasmeter_notifications_total{status="sent"} 2`,
		`ethgasmeter_commands_total{command="gasprice"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
