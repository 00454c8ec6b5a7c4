package redlock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunLocked_RefreshOnceThenComplete(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store})

	result, ok, err := RunLocked(context.Background(), engine, "report", time.Second, func(ctx context.Context, refresher Refresher) (string, error) {
		before, held := refresher.Current()
		if !held {
			t.Fatal("expected a held lock inside the unit")
		}
		if err := refresher.Refresh(ctx); err != nil {
			return "", err
		}
		after, _ := refresher.Current()
		if after.Token == before.Token {
			t.Fatal("expected refresh to swap in a new token")
		}
		return "done", nil
	})
	if err != nil || !ok || result != "done" {
		t.Fatalf("expected (done, true, nil), got (%q, %v, %v)", result, ok, err)
	}
	sets, deletes := store.counts()
	if sets != 2 || deletes != 2 {
		t.Fatalf("expected 2 sets and 2 deletes, got %d/%d", sets, deletes)
	}
}

func TestRunLocked_RefreshFailureDiscardsResult(t *testing.T) {
	store := newScriptedStore("a", true, false)
	engine := newTestEngine(t, []Store{store})

	var unitCtx context.Context
	result, ok, err := RunLocked(context.Background(), engine, "report", time.Second, func(ctx context.Context, refresher Refresher) (string, error) {
		unitCtx = ctx
		if err := refresher.Refresh(ctx); err != nil {
			if !errors.Is(err, ErrRefreshFailed) {
				t.Fatalf("expected ErrRefreshFailed, got %v", err)
			}
			if _, held := refresher.Current(); held {
				t.Fatal("expected no lock after failed refresh")
			}
			return "partial", err
		}
		return "done", nil
	})
	if err != nil || ok || result != "" {
		t.Fatalf("expected (\"\", false, nil), got (%q, %v, %v)", result, ok, err)
	}
	if unitCtx.Err() == nil {
		t.Fatal("expected unit context to be cancelled after losing the lock")
	}
	sets, deletes := store.counts()
	// One release for the refresh and one cleanup per failed round; nothing left to release after.
	if sets != 1+DefaultRetryCount || deletes != 1+DefaultRetryCount {
		t.Fatalf("expected %d sets and %d deletes, got %d/%d", 1+DefaultRetryCount, 1+DefaultRetryCount, sets, deletes)
	}
}

func TestRunLocked_RefreshAfterLossFails(t *testing.T) {
	store := newScriptedStore("a", true, false)
	engine := newTestEngine(t, []Store{store})

	_, _, _ = RunLocked(context.Background(), engine, "report", time.Second, func(ctx context.Context, refresher Refresher) (int, error) {
		_ = refresher.Refresh(ctx)
		if err := refresher.Refresh(ctx); !errors.Is(err, ErrRefreshFailed) {
			t.Fatalf("expected second refresh to fail without store calls, got %v", err)
		}
		return 0, nil
	})
	if sets, _ := store.counts(); sets != 1+DefaultRetryCount {
		t.Fatalf("expected no store calls for a refresh after loss, got %d sets", sets)
	}
}

func TestRunLocked_LockedOutSkipsUnit(t *testing.T) {
	store := newScriptedStore("a", false)
	engine := newTestEngine(t, []Store{store})

	called := false
	_, ok, err := RunLocked(context.Background(), engine, "report", time.Second, func(context.Context, Refresher) (int, error) {
		called = true
		return 1, nil
	})
	if err != nil || ok || called {
		t.Fatalf("expected skipped unit, got ok=%v err=%v called=%v", ok, err, called)
	}
	if _, deletes := store.counts(); deletes != DefaultRetryCount {
		t.Fatalf("expected only round cleanups, got %d deletes", deletes)
	}
}

func TestRunLocked_UnitErrorStillReleases(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store})
	unitErr := errors.New("report failed")

	result, ok, err := RunLocked(context.Background(), engine, "report", time.Second, func(context.Context, Refresher) (int, error) {
		return 7, unitErr
	})
	if !errors.Is(err, unitErr) || !ok || result != 7 {
		t.Fatalf("expected (7, true, unitErr), got (%d, %v, %v)", result, ok, err)
	}
	if _, deletes := store.counts(); deletes != 1 {
		t.Fatalf("expected one release, got %d", deletes)
	}
}

func TestRunLocked_UnrelatedErrorSurfacesAfterLoss(t *testing.T) {
	store := newScriptedStore("a", true, false)
	engine := newTestEngine(t, []Store{store})
	unitErr := errors.New("write failed")

	_, ok, err := RunLocked(context.Background(), engine, "report", time.Second, func(ctx context.Context, refresher Refresher) (int, error) {
		_ = refresher.Refresh(ctx)
		return 0, unitErr
	})
	if ok || !errors.Is(err, unitErr) {
		t.Fatalf("expected unit error with false, got ok=%v err=%v", ok, err)
	}
}

func TestRunLocked_PanicReleasesOnce(t *testing.T) {
	store := newScriptedStore("a", true)
	engine := newTestEngine(t, []Store{store})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _, _ = RunLocked(context.Background(), engine, "report", time.Second, func(context.Context, Refresher) (int, error) {
			panic("boom")
		})
	}()
	if _, deletes := store.counts(); deletes != 1 {
		t.Fatalf("expected one release after panic, got %d", deletes)
	}
}

func TestRunLocked_RejectsNilUnit(t *testing.T) {
	engine := newTestEngine(t, []Store{newScriptedStore("a")})
	if _, _, err := RunLocked[int](context.Background(), engine, "report", time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
