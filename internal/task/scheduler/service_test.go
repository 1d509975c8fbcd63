package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ethgasmeter/internal/eventbus"
	logx "ethgasmeter/pkg/logx"
)

func TestNormalizeSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"@daily", "@daily", false},
		{"0 30 3 * * *", "0 30 3 * * *", false},
		{"cron: */5 * * * *", "*/5 * * * *", false},
		{"55m", "@every 55m0s", false},
		{"02:30", "@every 2h30m0s", false},
		{"00:00", "", true},
		{"-5m", "", true},
		{"", "", true},
		{"soonish", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%q: got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddScheduleValidatesAndUpserts(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	if err := s.AddSchedule("bad", "61 * * * *", 0, noop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := s.Validate("@hourly"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("job", "@hourly", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("job", "@daily", 0, noop); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@daily" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("job") || s.Remove("job") {
		t.Fatal("remove should succeed exactly once")
	}
}

func TestRunNowRecordsHistoryAndEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true, HistorySize: 2}, logx.Nop(), bus)
	boom := errors.New("boom")
	var calls atomic.Int32
	if err := s.AddSchedule("flaky", "@daily", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "flaky"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.RunNow(context.Background(), "flaky"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}

	hist := s.Snapshot().History
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	for _, h := range hist {
		if h.Error != "" {
			t.Fatalf("oldest (failed) run should have been evicted: %+v", hist)
		}
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TypeTaskFinished || e.Data.(HistoryItem).Error != "boom" {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestCronTriggersJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	ran := make(chan struct{}, 1)
	if err := s.AddSchedule("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if next := s.Snapshot().Schedules[0].Next; next.IsZero() {
		t.Fatal("next run not computed")
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job not triggered")
	}
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if s.Snapshot().Running {
		t.Fatal("disabled scheduler started")
	}
	s.Apply(context.Background(), Config{Enabled: true})
	if !s.Snapshot().Running {
		t.Fatal("Apply(enabled) did not start")
	}
	s.Apply(context.Background(), Config{})
	if s.Snapshot().Running {
		t.Fatal("Apply(disabled) did not stop")
	}
}
