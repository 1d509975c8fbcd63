package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	logx "ethgasmeter/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) UserRepository {
	t.Helper()
	return map[string]func(t *testing.T) UserRepository{
		"memory": func(t *testing.T) UserRepository { return NewMemory() },
		"sqlite": func(t *testing.T) UserRepository {
			repo, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return repo
		},
	}
}

func ids(rows []UserThreshold) []int64 {
	out := make([]int64, 0, len(rows))
	for _, u := range rows {
		out = append(out, u.UserID)
	}
	return out
}

func TestRepositoryRoundTrip(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)
			defer repo.Close()

			if _, ok, err := repo.FindByID(ctx, 1); err != nil || ok {
				t.Fatalf("FindByID on empty repo = %v, %v", ok, err)
			}
			if err := repo.Save(ctx, UserThreshold{UserID: 1, Threshold: Float(0.5)}); err != nil {
				t.Fatalf("Save: %v", err)
			}
			u, ok, err := repo.FindByID(ctx, 1)
			if err != nil || !ok {
				t.Fatalf("FindByID = %v, %v", ok, err)
			}
			if u.Threshold == nil || *u.Threshold != 0.5 || u.IsNotified || u.Version != 1 {
				t.Fatalf("row = %+v", u)
			}
			if u.UpdatedAt.IsZero() {
				t.Fatal("UpdatedAt not set")
			}

			u.Threshold = nil
			if err := repo.Save(ctx, u); err != nil {
				t.Fatalf("Save update: %v", err)
			}
			u, _, _ = repo.FindByID(ctx, 1)
			if u.Threshold != nil || u.Version != 2 {
				t.Fatalf("after clear = %+v", u)
			}
		})
	}
}

func TestFindWhereSelectsTransitions(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)
			defer repo.Close()

			seed := []UserThreshold{
				{UserID: 1, Threshold: Float(10)},                   // at price: entering
				{UserID: 2, Threshold: Float(5)},                    // below price: entering
				{UserID: 3, Threshold: Float(20)},                   // above price, not notified
				{UserID: 4, Threshold: Float(20), IsNotified: true}, // above price, notified: exiting
				{UserID: 5, Threshold: Float(5), IsNotified: true},  // already notified
				{UserID: 6},                                         // no threshold
				{UserID: 7, IsNotified: true},                       // no threshold, stale flag
			}
			if err := repo.Save(ctx, seed...); err != nil {
				t.Fatalf("seed: %v", err)
			}

			entering, err := repo.FindWhere(ctx, Entering(10))
			if err != nil {
				t.Fatal(err)
			}
			if got, want := ids(entering), []int64{1, 2}; !reflect.DeepEqual(got, want) {
				t.Fatalf("entering = %v, want %v", got, want)
			}
			exiting, err := repo.FindWhere(ctx, Exiting(10))
			if err != nil {
				t.Fatal(err)
			}
			if got, want := ids(exiting), []int64{4}; !reflect.DeepEqual(got, want) {
				t.Fatalf("exiting = %v, want %v", got, want)
			}

			st, err := repo.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if st != (Stats{Users: 7, Active: 5, Notified: 2}) {
				t.Fatalf("stats = %+v", st)
			}
		})
	}
}

func TestSaveReportsStaleVersions(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)
			defer repo.Close()

			if err := repo.Save(ctx,
				UserThreshold{UserID: 1, Threshold: Float(1)},
				UserThreshold{UserID: 2, Threshold: Float(1)},
			); err != nil {
				t.Fatal(err)
			}
			a, _, _ := repo.FindByID(ctx, 1)
			b, _, _ := repo.FindByID(ctx, 2)

			// Another writer bumps row 1.
			fresh := a
			fresh.Threshold = Float(3)
			if err := repo.Save(ctx, fresh); err != nil {
				t.Fatal(err)
			}

			a.IsNotified = true
			b.IsNotified = true
			err := repo.Save(ctx, a, b)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("err = %v, want conflict", err)
			}
			if got := Conflicting(err); !reflect.DeepEqual(got, []int64{1}) {
				t.Fatalf("conflicting = %v", got)
			}

			a, _, _ = repo.FindByID(ctx, 1)
			if a.IsNotified || *a.Threshold != 3 {
				t.Fatalf("stale write applied: %+v", a)
			}
			b, _, _ = repo.FindByID(ctx, 2)
			if !b.IsNotified {
				t.Fatalf("non-conflicting row not committed: %+v", b)
			}

			// Insert of an existing id is a conflict too.
			if err := repo.Save(ctx, UserThreshold{UserID: 2}); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate insert err = %v", err)
			}
		})
	}
}

func TestClosedRepository(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			repo := open(t)
			if err := repo.Close(); err != nil {
				t.Fatal(err)
			}
			if err := repo.Save(context.Background(), UserThreshold{UserID: 1}); !errors.Is(err, ErrClosed) {
				t.Fatalf("Save after close = %v", err)
			}
		})
	}
}

func TestSQLiteMaintainAndReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	repo, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, UserThreshold{UserID: 42, Threshold: Float(0.0001)}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Maintain(ctx); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}

	repo, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	u, ok, err := repo.FindByID(ctx, 42)
	if err != nil || !ok || *u.Threshold != 0.0001 {
		t.Fatalf("after reopen = %+v, %v, %v", u, ok, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueryMatchIgnoresNilThreshold(t *testing.T) {
	t.Parallel()
	for _, u := range []UserThreshold{{UserID: 1}, {UserID: 2, IsNotified: true}} {
		if Entering(1e9).Match(u) || Exiting(-1e9).Match(u) {
			t.Fatalf("nil threshold matched: %+v", u)
		}
	}
}
