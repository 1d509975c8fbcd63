package gas

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newEtherscan(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key")
}

func TestFetchCombinesBothCalls(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newEtherscan(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("apikey") != "test-key" {
			t.Errorf("apikey = %q", q.Get("apikey"))
		}
		switch q.Get("action") {
		case "gasoracle":
			if q.Get("module") != "gastracker" {
				t.Errorf("module = %q", q.Get("module"))
			}
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"SafeGasPrice":"18","ProposeGasPrice":"20","FastGasPrice":"25"}}`))
		case "ethprice":
			if q.Get("module") != "stats" {
				t.Errorf("module = %q", q.Get("module"))
			}
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ethbtc":"0.05","ethusd":"2000.45"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	info, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.GasPrice != 20 || info.EthUSD != 2000 {
		t.Fatalf("info = %+v", info)
	}
	if info.GasPriceUSD != PriceUSD(20, 2000) {
		t.Fatalf("GasPriceUSD = %v", info.GasPriceUSD)
	}
	if info.FetchedAt.IsZero() {
		t.Fatal("FetchedAt not set")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestFetchFailsOnNonOKStatus(t *testing.T) {
	t.Parallel()
	c := newEtherscan(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "ethprice" {
			_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ProposeGasPrice":"20"}}`))
	})

	_, err := c.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.Action != "ethprice" || fe.StatusCode != http.StatusOK {
		t.Fatalf("FetchError = %+v", fe)
	}
	if !strings.Contains(fe.Body, "Invalid API Key") {
		t.Fatalf("body = %q", fe.Body)
	}
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

func TestFetchFailsOnHTTPError(t *testing.T) {
	t.Parallel()
	c := newEtherscan(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	_, err := c.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusTooManyRequests || fe.Body != "slow down" {
		t.Fatalf("FetchError = %+v", fe)
	}
}

func TestFetchFailsOnUnparsableNumber(t *testing.T) {
	t.Parallel()
	c := newEtherscan(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "gasoracle" {
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ProposeGasPrice":"n/a"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ethusd":"2000"}}`))
	})

	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchRejectsNegativePrice(t *testing.T) {
	t.Parallel()
	c := newEtherscan(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "gasoracle" {
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ProposeGasPrice":"20"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":{"ethusd":"-2000.5"}}`))
	})

	_, err := c.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Action != "ethprice" {
		t.Fatalf("err = %v, want ethprice FetchError", err)
	}
	if !errors.Is(err, ErrNegative) {
		t.Fatalf("err = %v, want ErrNegative", err)
	}
}

func TestParseLeadingInt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "20", want: 20},
		{in: " 31.7 ", want: 31},
		{in: "2000.45", want: 2000},
		{in: "12abc", want: 12},
		{in: "-3", wantErr: true},
		{in: "-0", want: 0},
		{in: "+7", want: 7},
		{in: "", wantErr: true},
		{in: ".5", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseLeadingInt(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPriceUSD(t *testing.T) {
	t.Parallel()
	g, e := int64(20), int64(2000)
	if got, want := PriceUSD(g, e), float64(g)*float64(e)*1e-9; got != want {
		t.Fatalf("PriceUSD = %v, want %v", got, want)
	}
	if got := PriceUSD(0, 2000); got != 0 {
		t.Fatalf("PriceUSD(0) = %v", got)
	}
}

func TestFormatUSD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want string
	}{
		{in: 0.00004, want: "0.00004 $"},
		{in: 2, want: "2 $"},
		{in: 1.5, want: "1.5 $"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.in); got != tt.want {
			t.Fatalf("FormatUSD(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
