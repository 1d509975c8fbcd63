package subscription

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"ethgasmeter/internal/gas"
	logx "ethgasmeter/pkg/logx"
)

func TestPublishInRegistrationOrder(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Add(name, func(ctx context.Context, info gas.Info) error {
			got = append(got, name)
			return nil
		})
	}

	if failed := r.Publish(context.Background(), gas.NewInfo(1, 1, time.Now())); failed != 0 {
		t.Fatalf("failed = %d", failed)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestAddAndRemoveAreIdempotent(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	calls := 0
	fn := func(ctx context.Context, info gas.Info) error { calls++; return nil }

	if !r.Add("x", fn) {
		t.Fatal("first add should register")
	}
	if r.Add("x", fn) {
		t.Fatal("second add should be a no-op")
	}
	r.Publish(context.Background(), gas.Info{})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	if !r.Remove("x") {
		t.Fatal("remove should report removal")
	}
	if r.Remove("x") || r.Remove("missing") {
		t.Fatal("repeated remove should be a no-op")
	}
	r.Publish(context.Background(), gas.Info{})
	if calls != 1 {
		t.Fatalf("calls after remove = %d, want 1", calls)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestFailingSubscriberDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	var reached []string
	r.Add("err", func(ctx context.Context, info gas.Info) error {
		reached = append(reached, "err")
		return errors.New("boom")
	})
	r.Add("panic", func(ctx context.Context, info gas.Info) error {
		reached = append(reached, "panic")
		panic("boom")
	})
	r.Add("ok", func(ctx context.Context, info gas.Info) error {
		reached = append(reached, "ok")
		return nil
	})

	if failed := r.Publish(context.Background(), gas.Info{}); failed != 2 {
		t.Fatalf("failed = %d, want 2", failed)
	}
	if want := []string{"err", "panic", "ok"}; !reflect.DeepEqual(reached, want) {
		t.Fatalf("reached = %v, want %v", reached, want)
	}
}

func TestRemoveDuringPublishAffectsNextPublish(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	bCalls := 0
	r.Add("a", func(ctx context.Context, info gas.Info) error {
		r.Remove("b")
		return nil
	})
	r.Add("b", func(ctx context.Context, info gas.Info) error { bCalls++; return nil })

	r.Publish(context.Background(), gas.Info{})
	if bCalls != 1 {
		t.Fatalf("b should still receive the in-flight publish, calls = %d", bCalls)
	}
	r.Publish(context.Background(), gas.Info{})
	if bCalls != 1 {
		t.Fatalf("b received after removal, calls = %d", bCalls)
	}
	if names := r.Names(); !reflect.DeepEqual(names, []string{"a"}) {
		t.Fatalf("Names = %v", names)
	}
}
