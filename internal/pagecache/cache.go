package pagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/query"
)

var ErrClosed = errors.New("page cache closed")

// Fetcher loads one page from the backend.
type Fetcher interface {
	FetchPage(ctx context.Context, key query.Key) (logsapi.Page, error)
}

type FetcherFunc func(ctx context.Context, key query.Key) (logsapi.Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, key query.Key) (logsapi.Page, error) {
	return f(ctx, key)
}

// FetchError wraps any failure to load a page.
type FetchError struct {
	Key query.Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Options struct {
	MaxEntries int
	// FreshFor is how long a page is served without a background refresh.
	FreshFor time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Stats struct {
	Entries      int   `json:"entries"`
	Hits         int64 `json:"hits"`
	StaleHits    int64 `json:"staleHits"`
	Misses       int64 `json:"misses"`
	Fetches      int64 `json:"fetches"`
	FetchErrors  int64 `json:"fetchErrors"`
	Invalidation int64 `json:"invalidations"`
}

type entry struct {
	page        logsapi.Page
	fetchedAt   time.Time
	invalidated bool
	generation  uint64
}

type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache holds remote pages keyed by query.Key. Concurrent reads of one key
// share a single request, and a page that failed to refresh keeps its last
// good data.
type Cache struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
	group   singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	entries   *lru.Cache[query.Key, *entry]
	flights   map[string]*flight
	flightSeq uint64
	watchers  map[int]func(query.Key)
	watchSeq  int
	closed    bool

	hits, staleHits, misses, fetches, fetchErrors, invalidations atomic.Int64
}

func New(fetcher Fetcher, opts Options) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("page cache requires a fetcher")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries, err := lru.New[query.Key, *entry](opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fetcher:  fetcher,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		baseCtx:  ctx,
		stop:     cancel,
		entries:  entries,
		flights:  map[string]*flight{},
		watchers: map[int]func(query.Key){},
	}, nil
}

// Get serves a fresh page directly, a stale page while refreshing it in the
// background, and blocks on the backend for a missing or invalidated page.
func (c *Cache) Get(ctx context.Context, key query.Key) (logsapi.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return logsapi.Page{}, ErrClosed
	}
	current, ok := c.entries.Get(key)
	if ok && !current.invalidated {
		page := current.page
		stale := c.isStale(current)
		c.mu.Unlock()
		if stale {
			c.staleHits.Add(1)
			c.refreshInBackground(key)
		} else {
			c.hits.Add(1)
		}
		return page, nil
	}
	c.mu.Unlock()

	c.misses.Add(1)
	return c.fetch(ctx, key)
}

// Lookup reports the cached page for key without fetching. usable is false
// when the entry is missing or invalidated.
func (c *Cache) Lookup(key query.Key) (page logsapi.Page, fresh bool, usable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries.Peek(key)
	if !ok || current.invalidated {
		return logsapi.Page{}, false, false
	}
	return current.page, !c.isStale(current), true
}

// Refresh always goes to the backend, sharing any request already in flight
// for the same key and generation.
func (c *Cache) Refresh(ctx context.Context, key query.Key) (logsapi.Page, error) {
	return c.fetch(ctx, key)
}

// Invalidate marks keys as outdated. A key already marked is left alone, so
// repeating an invalidation causes no extra refetch.
func (c *Cache) Invalidate(keys ...query.Key) {
	c.mu.Lock()
	changed := make([]query.Key, 0, len(keys))
	for _, key := range keys {
		current, ok := c.entries.Peek(key)
		if !ok || current.invalidated {
			continue
		}
		c.entries.Add(key, &entry{
			page:        current.page,
			fetchedAt:   current.fetchedAt,
			invalidated: true,
			generation:  current.generation + 1,
		})
		changed = append(changed, key)
	}
	watchers := c.watcherSnapshot()
	c.mu.Unlock()

	c.invalidations.Add(int64(len(changed)))
	for _, key := range changed {
		for _, watcher := range watchers {
			watcher(key)
		}
	}
}

// InvalidateRecord invalidates every cached page that shows or pins uuid.
func (c *Cache) InvalidateRecord(uuid string) {
	c.mu.Lock()
	keys := make([]query.Key, 0)
	for _, key := range c.entries.Keys() {
		current, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if key.Pins(uuid) || current.page.HasRecord(uuid) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	c.Invalidate(keys...)
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	keys := c.entries.Keys()
	c.mu.Unlock()
	c.Invalidate(keys...)
}

// Watch registers fn to run for each key that becomes invalidated.
func (c *Cache) Watch(fn func(query.Key)) func() {
	c.mu.Lock()
	c.watchSeq++
	id := c.watchSeq
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := c.entries.Len()
	c.mu.Unlock()
	return Stats{
		Entries:      entries,
		Hits:         c.hits.Load(),
		StaleHits:    c.staleHits.Load(),
		Misses:       c.misses.Load(),
		Fetches:      c.fetches.Load(),
		FetchErrors:  c.fetchErrors.Load(),
		Invalidation: c.invalidations.Load(),
	}
}

// Close aborts in-flight requests and waits for background refreshes.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Cache) isStale(current *entry) bool {
	return c.opts.Now().Sub(current.fetchedAt) >= c.opts.FreshFor
}

func (c *Cache) watcherSnapshot() []func(query.Key) {
	out := make([]func(query.Key), 0, len(c.watchers))
	for _, watcher := range c.watchers {
		out = append(out, watcher)
	}
	return out
}

func (c *Cache) refreshInBackground(key query.Key) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.fetch(c.baseCtx, key); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("background page refresh failed", "key", string(key), "err", err)
		}
	}()
}

// fetch joins or starts the request for key at its current generation. The
// request is aborted once every caller waiting on it has gone away.
func (c *Cache) fetch(ctx context.Context, key query.Key) (logsapi.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return logsapi.Page{}, ErrClosed
	}
	var generation uint64
	if current, ok := c.entries.Peek(key); ok {
		generation = current.generation
	}
	slot := string(key) + "#" + strconv.FormatUint(generation, 10)
	shared, ok := c.flights[slot]
	if !ok {
		c.flightSeq++
		flightCtx, cancel := context.WithCancel(c.baseCtx)
		shared = &flight{id: c.flightSeq, ctx: flightCtx, cancel: cancel}
		c.flights[slot] = shared
	}
	shared.waiters++
	c.mu.Unlock()

	groupKey := slot + "#" + strconv.FormatUint(shared.id, 10)
	results := c.group.DoChan(groupKey, func() (any, error) {
		return c.load(shared.ctx, key, generation)
	})

	select {
	case result := <-results:
		c.release(slot, shared, false)
		if result.Err != nil {
			return logsapi.Page{}, result.Err
		}
		return result.Val.(logsapi.Page), nil
	case <-ctx.Done():
		c.release(slot, shared, true)
		return logsapi.Page{}, &FetchError{Key: key, Err: ctx.Err()}
	}
}

func (c *Cache) release(slot string, shared *flight, abandoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shared.waiters--
	if shared.waiters > 0 {
		return
	}
	if c.flights[slot] == shared {
		delete(c.flights, slot)
	}
	if abandoned {
		c.logger.Debug("aborting superseded page request", "key", slot)
	}
	shared.cancel()
}

func (c *Cache) load(ctx context.Context, key query.Key, generation uint64) (logsapi.Page, error) {
	c.fetches.Add(1)
	page, err := c.fetcher.FetchPage(ctx, key)
	if err != nil {
		c.fetchErrors.Add(1)
		return logsapi.Page{}, &FetchError{Key: key, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := &entry{page: page, fetchedAt: c.opts.Now(), generation: generation}
	if current, ok := c.entries.Peek(key); ok && current.generation != generation {
		// Invalidated while in flight: keep the data but stay invalidated.
		next.generation = current.generation
		next.invalidated = current.invalidated
	}
	c.entries.Add(key, next)
	return page, nil
}
