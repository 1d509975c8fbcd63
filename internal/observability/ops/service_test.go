package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ethgasmeter/internal/gas"
	"ethgasmeter/internal/metrics"
	logx "ethgasmeter/pkg/logx"
)

type fixedPrices struct {
	info gas.Info
	ok   bool
}

func (p fixedPrices) Latest() (gas.Info, bool) { return p.info, p.ok }

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name   string
		prices fixedPrices
		code   int
		status string
	}{
		{"no price yet", fixedPrices{}, http.StatusServiceUnavailable, "unavailable"},
		{"fresh", fixedPrices{info: gas.Info{GasPrice: 20, EthUSD: 2000, FetchedAt: now.Add(-time.Second)}, ok: true}, http.StatusOK, "ok"},
		{"stale", fixedPrices{info: gas.Info{FetchedAt: now.Add(-time.Hour)}, ok: true}, http.StatusServiceUnavailable, "stale"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{MaxPriceAge: time.Minute}, tt.prices, nil, logx.Nop())
			s.now = func() time.Time { return now }

			rec := get(t, s.Handler(), "/healthz", nil)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			var rep healthReport
			if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
				t.Fatal(err)
			}
			if rep.Status != tt.status {
				t.Fatalf("status = %q, want %q", rep.Status, tt.status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.FetchSucceeded(20, 2000, 0.00004, time.Millisecond)
	s := New(Config{}, fixedPrices{}, m, logx.Nop())

	rec := get(t, s.Handler(), "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "gas_price_gwei") {
		t.Fatalf("code = %d body = %.200s", rec.Code, rec.Body.String())
	}
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()
	off := New(Config{}, fixedPrices{}, nil, logx.Nop())
	if rec := get(t, off.Handler(), "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}

	on := New(Config{Pprof: true, Token: "s3cret"}, fixedPrices{}, nil, logx.Nop())
	if rec := get(t, on.Handler(), "/debug/pprof/", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := get(t, on.Handler(), "/debug/pprof/", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer: code = %d", rec.Code)
	}
	if rec := get(t, on.Handler(), "/debug/pprof/?token=nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad query token: code = %d", rec.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, fixedPrices{info: gas.Info{FetchedAt: time.Now()}, ok: true}, nil, logx.Nop())
	ready := s.Ready()
	s.Start(context.Background())

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9100": true,
		"localhost:9100": true,
		"[::1]:9100":     true,
		":9100":          false,
		"0.0.0.0:9100":   false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
