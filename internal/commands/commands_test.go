package commands

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"ethgasmeter/internal/storage"
)

type fixedPrice struct {
	usd float64
	ok  bool
}

func (p fixedPrice) LatestUSD() (float64, bool) { return p.usd, p.ok }

// countingRepo counts Save calls and can inject conflicts.
type countingRepo struct {
	storage.UserRepository
	saves     atomic.Int32
	conflicts int32
	err       error
}

func (r *countingRepo) Save(ctx context.Context, rows ...storage.UserThreshold) error {
	n := r.saves.Add(1)
	if r.err != nil {
		return r.err
	}
	if n <= r.conflicts {
		return &storage.ConflictError{IDs: []int64{rows[0].UserID}}
	}
	return r.UserRepository.Save(ctx, rows...)
}

func find(t *testing.T, repo storage.UserRepository, id int64) (storage.UserThreshold, bool) {
	t.Helper()
	u, ok, err := repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return u, ok
}

func TestSetThresholdRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "abc", "NaN", "Inf", "-1", "0", "1e400"} {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			mem := storage.NewMemory()
			if err := mem.Save(context.Background(), storage.UserThreshold{UserID: 1, Threshold: storage.Float(5), IsNotified: true}); err != nil {
				t.Fatal(err)
			}
			repo := &countingRepo{UserRepository: mem}
			h := New(repo, fixedPrice{})

			reply, err := h.SetThreshold(context.Background(), 1, raw)
			if err != nil {
				t.Fatal(err)
			}
			if reply != UsageText {
				t.Fatalf("reply = %q", reply)
			}
			if repo.saves.Load() != 0 {
				t.Fatal("invalid input must not write")
			}
			u, _ := find(t, mem, 1)
			if *u.Threshold != 5 || !u.IsNotified {
				t.Fatalf("row changed: %+v", u)
			}
		})
	}
}

func TestSetThresholdCreatesAndRearms(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	h := New(mem, fixedPrice{})
	ctx := context.Background()

	reply, err := h.SetThreshold(ctx, 7, "0.0001")
	if err != nil {
		t.Fatal(err)
	}
	if want := "Threshold for you is set to 0.0001 $"; reply != want {
		t.Fatalf("reply = %q, want %q", reply, want)
	}
	u, ok := find(t, mem, 7)
	if !ok || *u.Threshold != 0.0001 || u.IsNotified {
		t.Fatalf("row = %+v", u)
	}

	u.IsNotified = true
	if err := mem.Save(ctx, u); err != nil {
		t.Fatal(err)
	}
	if _, err := h.SetThreshold(ctx, 7, "2.5"); err != nil {
		t.Fatal(err)
	}
	u, _ = find(t, mem, 7)
	if *u.Threshold != 2.5 || u.IsNotified {
		t.Fatalf("after update = %+v", u)
	}
}

func TestSetThresholdRetriesOnConflict(t *testing.T) {
	t.Parallel()
	repo := &countingRepo{UserRepository: storage.NewMemory(), conflicts: 2}
	h := New(repo, fixedPrice{})

	if _, err := h.SetThreshold(context.Background(), 1, "3"); err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if repo.saves.Load() != 3 {
		t.Fatalf("saves = %d, want 3", repo.saves.Load())
	}

	repo = &countingRepo{UserRepository: storage.NewMemory(), conflicts: 10}
	h = New(repo, fixedPrice{})
	reply, err := h.SetThreshold(context.Background(), 1, "3")
	if !errors.Is(err, ErrTooManyConflicts) || reply != InternalErrorText {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
}

func TestStopWithoutThresholdDoesNotWrite(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	if err := mem.Save(context.Background(), storage.UserThreshold{UserID: 2}); err != nil {
		t.Fatal(err)
	}
	repo := &countingRepo{UserRepository: mem}
	h := New(repo, fixedPrice{})

	for _, id := range []int64{1, 2} {
		reply, err := h.Stop(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if reply != NoThresholdText {
			t.Fatalf("user %d reply = %q", id, reply)
		}
	}
	if repo.saves.Load() != 0 {
		t.Fatalf("saves = %d, want 0", repo.saves.Load())
	}
}

func TestStopClearsThreshold(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	if err := mem.Save(context.Background(), storage.UserThreshold{UserID: 3, Threshold: storage.Float(1), IsNotified: true}); err != nil {
		t.Fatal(err)
	}
	h := New(mem, fixedPrice{})

	reply, err := h.Stop(context.Background(), 3)
	if err != nil || reply != StoppedText {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
	u, _ := find(t, mem, 3)
	if u.Threshold != nil {
		t.Fatalf("threshold not cleared: %+v", u)
	}
	if !u.IsNotified {
		t.Fatal("stop must leave IsNotified untouched")
	}
}

func TestStorageFailureReturnsError(t *testing.T) {
	t.Parallel()
	repo := &countingRepo{UserRepository: storage.NewMemory(), err: errors.New("disk full")}
	h := New(repo, fixedPrice{})
	reply, err := h.SetThreshold(context.Background(), 1, "1")
	if err == nil || reply != InternalErrorText {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
}

func TestGasPrice(t *testing.T) {
	t.Parallel()
	if got := New(storage.NewMemory(), fixedPrice{}).GasPrice(); got != PriceMissingText {
		t.Fatalf("empty cache reply = %q", got)
	}
	if got, want := New(storage.NewMemory(), fixedPrice{usd: 0.00004, ok: true}).GasPrice(), "Gas price: 0.00004 $"; got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestStaticReplies(t *testing.T) {
	t.Parallel()
	h := New(storage.NewMemory(), fixedPrice{})
	if h.Help() != HelpText || h.Unknown() != UnknownText {
		t.Fatal("unexpected static reply")
	}
	if got := h.Start(1); got != "Greetings! \n\n"+HelpText {
		t.Fatalf("Start = %q", got)
	}
}

func TestCommandsTable(t *testing.T) {
	t.Parallel()
	cmds, unknown := New(storage.NewMemory(), fixedPrice{}).Commands()
	if unknown == nil {
		t.Fatal("missing fallback")
	}
	names := map[string]bool{}
	for _, c := range cmds {
		names[c.Name] = true
		if c.Handle == nil {
			t.Fatalf("command %q has no handler", c.Name)
		}
	}
	for _, want := range []string{"start", "help", "gasprice", "setthreshold", "stop"} {
		if !names[want] {
			t.Fatalf("missing command %q", want)
		}
	}
}
