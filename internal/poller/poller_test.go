package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ethgasmeter/internal/eventbus"
	"ethgasmeter/internal/gas"
)

type recordingPublisher struct {
	mu  sync.Mutex
	got []gas.Info
	ch  chan gas.Info
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan gas.Info, 16)}
}

func (r *recordingPublisher) Publish(ctx context.Context, info gas.Info) int {
	r.mu.Lock()
	r.got = append(r.got, info)
	r.mu.Unlock()
	select {
	case r.ch <- info:
	default:
	}
	return 0
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) { return gas.Info{}, nil })
	for _, d := range []time.Duration{0, -time.Second} {
		if _, err := New(Config{Interval: d}, fetch, nil); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("New(%v) err = %v, want ErrInvalidInterval", d, err)
		}
	}
}

func TestLatestAbsentBeforeFirstFetch(t *testing.T) {
	t.Parallel()
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) { return gas.Info{}, nil })
	p, err := New(Config{Interval: time.Hour}, fetch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Latest(); ok {
		t.Fatal("Latest should be absent")
	}
	if _, ok := p.LatestUSD(); ok {
		t.Fatal("LatestUSD should be absent")
	}
}

func TestFailedCycleDoesNotStopNextCycle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) {
		if calls.Add(1) == 1 {
			return gas.Info{}, &gas.FetchError{Action: "gasoracle", StatusCode: 500, Body: "oops", Err: gas.ErrBadStatus}
		}
		return gas.NewInfo(20, 2000, time.Now()), nil
	})
	pub := newRecordingPublisher()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	p, err := New(Config{Interval: 5 * time.Millisecond}, fetch, pub, WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	task := p.Start(context.Background())
	defer task.Stop(context.Background())

	select {
	case info := <-pub.ch:
		if info.GasPrice != 20 || info.EthUSD != 2000 {
			t.Fatalf("published %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no successful cycle after failure")
	}

	usd, ok := p.LatestUSD()
	if !ok || usd != gas.PriceUSD(20, 2000) {
		t.Fatalf("LatestUSD = %v, %v", usd, ok)
	}

	var sawFailure bool
	for !sawFailure {
		select {
		case e := <-events:
			sawFailure = e.Type == eventbus.TypeGasFetchFailed
		case <-time.After(time.Second):
			t.Fatal("no fetch_failed event")
		}
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) {
		close(started)
		<-release
		return gas.NewInfo(20, 2000, time.Now()), nil
	})
	pub := newRecordingPublisher()
	p, err := New(Config{Interval: time.Hour}, fetch, pub)
	if err != nil {
		t.Fatal(err)
	}
	task := p.Start(context.Background())
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := task.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline while fetch is blocked", err)
	}

	close(release)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after fetch returned")
	}

	if _, ok := p.Latest(); ok {
		t.Fatal("result of a fetch finishing after stop must be discarded")
	}
	if pub.count() != 0 {
		t.Fatalf("published %d snapshots after stop", pub.count())
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	t.Parallel()
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) { return gas.NewInfo(1, 1, time.Now()), nil })
	p, err := New(Config{Interval: time.Hour}, fetch, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := p.Start(context.Background())
	b := p.Start(context.Background())
	if a != b {
		t.Fatal("second Start should return the running task")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSetInterval(t *testing.T) {
	t.Parallel()
	fetch := gas.FetcherFunc(func(ctx context.Context) (gas.Info, error) { return gas.Info{}, nil })
	p, err := New(Config{Interval: time.Second}, fetch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetInterval(0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("SetInterval(0) err = %v", err)
	}
	if err := p.SetInterval(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if p.Interval() != 3*time.Second {
		t.Fatalf("Interval = %v", p.Interval())
	}
}
