package pagecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/query"
)

func keyAt(offset int) query.Key {
	return query.KeyFor(query.Query{Offset: offset, PageSize: query.PageSizeSmall})
}

func pageWith(uuids ...string) logsapi.Page {
	records := make([]logsapi.Record, 0, len(uuids))
	for _, id := range uuids {
		records = append(records, logsapi.Record{Bot: logsapi.Bot{UUID: id}})
	}
	return logsapi.Page{Records: records}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, fetcher Fetcher, clock *fakeClock) *Cache {
	t.Helper()
	opts := Options{MaxEntries: 16, FreshFor: time.Minute}
	if clock != nil {
		opts.Now = clock.Now
	}
	cache, err := New(fetcher, opts)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConcurrentGetsShareOneRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		calls.Add(1)
		<-release
		return pageWith("a"), nil
	}), nil)

	key := keyAt(0)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), key)
			errs <- err
		}()
	}

	waitFor(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		for _, f := range cache.flights {
			if f.waiters == 2 {
				return true
			}
		}
		return false
	})
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one backend call, got %d", got)
	}
}

func TestGetServesStaleAndRefreshesInBackground(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		n := calls.Add(1)
		if n == 1 {
			return pageWith("old"), nil
		}
		return pageWith("new"), nil
	}), clock)

	key := keyAt(0)
	if _, err := cache.Get(context.Background(), key); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := cache.Get(context.Background(), key); err != nil || calls.Load() != 1 {
		t.Fatalf("expected fresh hit without a call, calls=%d err=%v", calls.Load(), err)
	}

	clock.Advance(2 * time.Minute)
	page, err := cache.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("stale get: %v", err)
	}
	if page.Records[0].Bot.UUID != "old" {
		t.Fatalf("expected stale page served immediately, got %+v", page)
	}
	waitFor(t, func() bool {
		p, _, ok := cache.Lookup(key)
		return ok && p.Records[0].Bot.UUID == "new"
	})
}

func TestInvalidatedGetBlocksOnFreshData(t *testing.T) {
	var calls atomic.Int32
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if calls.Add(1) == 1 {
			return pageWith("before"), nil
		}
		return pageWith("after"), nil
	}), nil)

	key := keyAt(0)
	_, _ = cache.Get(context.Background(), key)
	cache.Invalidate(key)

	page, err := cache.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if page.Records[0].Bot.UUID != "after" {
		t.Fatalf("expected fresh data after invalidation, got %+v", page)
	}
}

func TestFetchErrorIsTypedAndKeepsData(t *testing.T) {
	var fail atomic.Bool
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if fail.Load() {
			return logsapi.Page{}, &logsapi.HTTPError{Op: "fetch logs", StatusCode: 500}
		}
		return pageWith("good"), nil
	}), nil)

	key := keyAt(0)
	_, _ = cache.Get(context.Background(), key)
	fail.Store(true)

	_, err := cache.Refresh(context.Background(), key)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Key != key {
		t.Fatalf("expected FetchError for key, got %v", err)
	}
	if logsapi.StatusCode(err) != 500 {
		t.Fatalf("expected upstream status to unwrap, got %d", logsapi.StatusCode(err))
	}
	page, _, ok := cache.Lookup(key)
	if !ok || page.Records[0].Bot.UUID != "good" {
		t.Fatal("expected previously good data to survive the failure")
	}
}

func TestInvalidateRecordMatchesPagesAndPins(t *testing.T) {
	cache := newTestCache(t, FetcherFunc(func(ctx context.Context, key query.Key) (logsapi.Page, error) {
		if key == keyAt(0) {
			return pageWith("target"), nil
		}
		return pageWith("other"), nil
	}), nil)

	pinned := query.KeyFor(query.Query{PageSize: query.PageSizeSmall, PinnedIDs: []string{"00000000-0000-4000-8000-000000000009"}})
	for _, key := range []query.Key{keyAt(0), keyAt(20), pinned} {
		if _, err := cache.Get(context.Background(), key); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	cache.InvalidateRecord("target")
	if _, _, ok := cache.Lookup(keyAt(0)); ok {
		t.Fatal("expected page containing the record to be invalidated")
	}
	if _, _, ok := cache.Lookup(keyAt(20)); !ok {
		t.Fatal("expected unrelated page to stay usable")
	}

	cache.InvalidateRecord("00000000-0000-4000-8000-000000000009")
	if _, _, ok := cache.Lookup(pinned); ok {
		t.Fatal("expected page pinning the record to be invalidated")
	}
}
