package pagecache

import (
	"context"
	"sync"
	"time"

	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/query"
)

// Snapshot is what a view currently shows.
type Snapshot struct {
	Key query.Key `json:"key"`
	// DataKey is the key Page was fetched for. It differs from Key while the
	// previous page is kept as a placeholder.
	DataKey     query.Key    `json:"dataKey"`
	Page        logsapi.Page `json:"page"`
	HasData     bool         `json:"hasData"`
	Placeholder bool         `json:"placeholder"`
	Refreshing  bool         `json:"refreshing"`
	// Invalidated is set while the shown page is known to be outdated.
	Invalidated bool      `json:"invalidated"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Version     uint64    `json:"version"`
}

// Loading reports whether nothing for the current key is displayable yet.
func (s Snapshot) Loading() bool {
	return s.Refreshing && (!s.HasData || s.Placeholder || s.Invalidated)
}

// View follows one key at a time on behalf of a single session. Only the
// response for the key current at resolution time is applied.
type View struct {
	cache   *Cache
	unwatch func()

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	cancel    context.CancelFunc
	settled   chan struct{}
	listeners map[int]func(Snapshot)
	nextID    int
	closed    bool
}

func (c *Cache) NewView() *View {
	v := &View{
		cache:     c,
		settled:   closedChan(),
		listeners: map[int]func(Snapshot){},
	}
	v.unwatch = c.Watch(v.onInvalidated)
	return v
}

// SetKey switches the view to key. Setting the current key again does nothing.
func (v *View) SetKey(key query.Key) {
	v.mu.Lock()
	if v.closed || (v.snap.Key == key && v.snap.Version > 0) {
		v.mu.Unlock()
		return
	}
	v.snap.Key = key
	v.snap.Err = nil
	v.snap.Error = ""

	page, fresh, usable := v.cache.Lookup(key)
	if usable {
		v.snap.DataKey = key
		v.snap.Page = page
		v.snap.HasData = true
		v.snap.Placeholder = false
		v.snap.Invalidated = false
		if fresh {
			v.abortLocked()
			v.snap.Refreshing = false
			snap := v.publishLocked()
			v.mu.Unlock()
			v.notify(snap)
			return
		}
	} else {
		v.snap.Placeholder = v.snap.HasData
	}
	snap, run := v.startLocked(key)
	v.mu.Unlock()
	v.notify(snap)
	run()
}

// Refresh re-requests the current key while the current page stays visible.
func (v *View) Refresh() {
	v.mu.Lock()
	if v.closed || v.snap.Version == 0 {
		v.mu.Unlock()
		return
	}
	snap, run := v.startLocked(v.snap.Key)
	v.mu.Unlock()
	v.notify(snap)
	run()
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Wait blocks until no request is outstanding for the current key.
func (v *View) Wait(ctx context.Context) (Snapshot, error) {
	for {
		v.mu.Lock()
		if !v.snap.Refreshing || v.closed {
			snap := v.snap
			v.mu.Unlock()
			return snap, nil
		}
		settled := v.settled
		v.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return v.Snapshot(), ctx.Err()
		}
	}
}

func (v *View) Subscribe(listener func(Snapshot)) func() {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = listener
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.abortLocked()
	v.listeners = map[int]func(Snapshot){}
	close(v.settled)
	v.settled = closedChan()
	v.mu.Unlock()
	v.unwatch()
}

func (v *View) onInvalidated(key query.Key) {
	v.mu.Lock()
	if v.closed || v.snap.Key != key || v.snap.Version == 0 {
		v.mu.Unlock()
		return
	}
	if v.snap.DataKey == key {
		v.snap.Invalidated = true
	}
	snap, run := v.startLocked(key)
	v.mu.Unlock()
	v.notify(snap)
	run()
}

// startLocked supersedes any outstanding request and returns the snapshot to
// publish plus the function that launches the new request.
func (v *View) startLocked(key query.Key) (Snapshot, func()) {
	v.abortLocked()
	v.gen++
	gen := v.gen
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.settled = make(chan struct{})
	v.snap.Refreshing = true
	snap := v.publishLocked()

	return snap, func() {
		go v.run(ctx, gen, key)
	}
}

func (v *View) run(ctx context.Context, gen uint64, key query.Key) {
	page, err := v.cache.Refresh(ctx, key)

	v.mu.Lock()
	if v.closed || v.gen != gen || v.snap.Key != key {
		v.mu.Unlock()
		return
	}
	v.cancel = nil
	v.snap.Refreshing = false
	if err != nil {
		v.snap.Err = err
		v.snap.Error = err.Error()
	} else {
		v.snap.DataKey = key
		v.snap.Page = page
		v.snap.HasData = true
		v.snap.Placeholder = false
		v.snap.Invalidated = false
		v.snap.Err = nil
		v.snap.Error = ""
	}
	snap := v.publishLocked()
	close(v.settled)
	v.mu.Unlock()
	v.notify(snap)
}

func (v *View) abortLocked() {
	v.gen++
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	if v.snap.Refreshing {
		v.snap.Refreshing = false
		close(v.settled)
		v.settled = closedChan()
	}
}

func (v *View) publishLocked() Snapshot {
	v.snap.Version++
	v.snap.UpdatedAt = v.cache.opts.Now()
	return v.snap
}

func (v *View) notify(snap Snapshot) {
	v.mu.Lock()
	listeners := make([]func(Snapshot), 0, len(v.listeners))
	for _, listener := range v.listeners {
		listeners = append(listeners, listener)
	}
	v.mu.Unlock()
	for _, listener := range listeners {
		listener(snap)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
