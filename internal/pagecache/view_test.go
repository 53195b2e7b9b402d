package pagecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/query"
)

func waitSettled(t *testing.T, view *View) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := view.Wait(ctx)
	if err != nil {
		t.Fatalf("view did not settle: %v", err)
	}
	return snap
}

func TestViewInvalidatingTwiceRefetchesOnce(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if calls.Add(1) > 1 {
			<-gate
		}
		return pageWith("a"), nil
	}), nil)

	view := cache.NewView()
	t.Cleanup(view.Close)
	key := keyAt(0)
	view.SetKey(key)
	waitSettled(t, view)

	cache.Invalidate(key)
	cache.Invalidate(key)
	if snap := view.Snapshot(); !snap.Refreshing || !snap.Invalidated {
		t.Fatalf("expected blocking refetch after invalidation, got %+v", snap)
	}
	close(gate)
	snap := waitSettled(t, view)

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected one initial fetch and one refetch, got %d calls", got)
	}
	if snap.Invalidated || !snap.HasData {
		t.Fatalf("expected fresh data after refetch, got %+v", snap)
	}
}

func TestViewDiscardsSupersededResponse(t *testing.T) {
	slowKey := keyAt(0)
	fastKey := keyAt(20)
	var aborted atomic.Bool
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if key == slowKey {
			select {
			case <-release:
				return pageWith("slow"), nil
			case <-ctx.Done():
				aborted.Store(true)
				return logsapi.Page{}, ctx.Err()
			}
		}
		return pageWith("fast"), nil
	}), nil)

	view := cache.NewView()
	t.Cleanup(view.Close)
	view.SetKey(slowKey)
	view.SetKey(fastKey)

	snap := waitSettled(t, view)
	if snap.Key != fastKey || snap.DataKey != fastKey || snap.Page.Records[0].Bot.UUID != "fast" {
		t.Fatalf("expected fast key applied, got %+v", snap)
	}
	waitFor(t, aborted.Load)
	if got := view.Snapshot(); got.Page.Records[0].Bot.UUID != "fast" {
		t.Fatalf("superseded response must not be applied, got %+v", got)
	}
}

func TestViewKeepsPreviousPageAsPlaceholder(t *testing.T) {
	gate := make(chan struct{})
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if key == keyAt(20) {
			<-gate
			return pageWith("second"), nil
		}
		return pageWith("first"), nil
	}), nil)

	view := cache.NewView()
	t.Cleanup(view.Close)
	view.SetKey(keyAt(0))
	waitSettled(t, view)

	view.SetKey(keyAt(20))
	snap := view.Snapshot()
	if !snap.Placeholder || !snap.Refreshing || snap.DataKey != keyAt(0) || !snap.Loading() {
		t.Fatalf("expected previous page kept as refreshing placeholder, got %+v", snap)
	}
	close(gate)

	snap = waitSettled(t, view)
	if snap.Placeholder || snap.Page.Records[0].Bot.UUID != "second" {
		t.Fatalf("expected new page applied, got %+v", snap)
	}
}

func TestViewFailureKeepsDataAndSurfacesError(t *testing.T) {
	var fail atomic.Bool
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if fail.Load() {
			return logsapi.Page{}, errors.New("connection reset")
		}
		return pageWith("kept"), nil
	}), nil)

	view := cache.NewView()
	t.Cleanup(view.Close)
	view.SetKey(keyAt(0))
	waitSettled(t, view)

	fail.Store(true)
	view.Refresh()
	snap := waitSettled(t, view)

	var fetchErr *FetchError
	if !errors.As(snap.Err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", snap.Err)
	}
	if !snap.HasData || snap.Page.Records[0].Bot.UUID != "kept" {
		t.Fatalf("expected previous data kept, got %+v", snap)
	}
}

func TestViewSetSameKeyIsNoop(t *testing.T) {
	var calls atomic.Int32
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		calls.Add(1)
		return pageWith("a"), nil
	}), nil)

	view := cache.NewView()
	t.Cleanup(view.Close)
	var notified atomic.Int32
	view.Subscribe(func(Snapshot) { notified.Add(1) })

	view.SetKey(keyAt(0))
	waitSettled(t, view)
	before := notified.Load()
	view.SetKey(keyAt(0))

	if calls.Load() != 1 || notified.Load() != before {
		t.Fatalf("expected no fetch or notification, calls=%d notified=%d->%d", calls.Load(), before, notified.Load())
	}
}
