package querystate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/query"
)

// DefaultTransientGrace is how long handoff markers stay in the URL after the
// handoff has been applied.
const DefaultTransientGrace = 100 * time.Millisecond

var ErrTooManyPinned = errors.New("too many pinned ids")

// KeyTarget receives the cache key of every new query.
type KeyTarget interface {
	SetKey(key query.Key)
}

// PageSizeSource supplies and persists the page size preference.
type PageSizeSource interface {
	PageSize() query.PageSize
	SetPageSize(ctx context.Context, size query.PageSize) error
	OnPageSizeChange(fn func(query.PageSize)) (unsubscribe func())
}

type Options struct {
	Codec          query.Codec
	Navigator      Navigator
	Target         KeyTarget
	Prefs          PageSizeSource
	Logger         *slog.Logger
	TransientGrace time.Duration
}

// State is the single owner of a session's live query. Every change runs the
// same sequence: offset reset, URL replace, cache key update.
type State struct {
	codec  query.Codec
	nav    Navigator
	target KeyTarget
	prefs  PageSizeSource
	logger *slog.Logger
	grace  time.Duration

	// applyMu serializes whole changes so URL and key updates keep their order.
	applyMu sync.Mutex

	mu             sync.Mutex
	current        query.Query
	version        uint64
	handoffApplied bool
	handoffIDs     []string
	clearTimer     *time.Timer
	listeners      map[int]func(query.Query)
	nextID         int
	unsubscribe    func()
	closed         bool
}

// New seeds the query from the navigator's current URL and the stored page
// size, then points the target at its key.
func New(opts Options) *State {
	grace := opts.TransientGrace
	if grace <= 0 {
		grace = DefaultTransientGrace
	}
	s := &State{
		codec:     opts.Codec,
		nav:       opts.Navigator,
		target:    opts.Target,
		prefs:     opts.Prefs,
		logger:    logging.OrDiscard(opts.Logger),
		grace:     grace,
		listeners: map[int]func(query.Query){},
	}

	initial := s.codec.Parse(s.nav.Current())
	if s.prefs != nil {
		initial = initial.WithPageSize(s.prefs.PageSize())
	}
	s.current = initial
	s.version = 1
	if s.target != nil {
		s.target.SetKey(query.KeyFor(initial))
	}
	if s.prefs != nil {
		s.unsubscribe = s.prefs.OnPageSizeChange(s.applyForeignPageSize)
	}
	return s
}

func (s *State) Snapshot() query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneQuery(s.current)
}

func (s *State) Key() query.Key {
	return query.KeyFor(s.Snapshot())
}

func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// HandoffApplied reports whether pinned ids came from the analytics handoff.
func (s *State) HandoffApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handoffApplied
}

// SetOffset moves to another page. The offset is clamped to a page boundary.
func (s *State) SetOffset(offset int) {
	s.change(func(q query.Query) query.Query {
		if offset < 0 {
			offset = 0
		}
		size := int(q.PageSize)
		q.Offset = (offset / size) * size
		return q
	}, false)
}

// SetPage moves to a zero-based page index.
func (s *State) SetPage(page int) {
	s.mu.Lock()
	size := int(s.current.PageSize)
	s.mu.Unlock()
	s.SetOffset(page * size)
}

// SetPageSize keeps the first visible record on screen and stores the
// preference for other tabs.
func (s *State) SetPageSize(ctx context.Context, size query.PageSize) error {
	if !size.Valid() {
		return fmt.Errorf("unsupported page size %d", size)
	}
	changed := s.change(func(q query.Query) query.Query {
		return q.WithPageSize(size)
	}, false)
	if !changed || s.prefs == nil {
		return nil
	}
	if err := s.prefs.SetPageSize(ctx, size); err != nil {
		s.logger.Warn("page size preference not persisted", "page_size", int(size), "err", err)
	}
	return nil
}

// SetDateRange replaces the window. An incomplete or inverted range means the
// default window.
func (s *State) SetDateRange(r query.DateRange) {
	if !r.Valid() {
		r = s.codec.DefaultRange()
	}
	s.change(func(q query.Query) query.Query {
		q.DateRange = r
		return q
	}, true)
}

func (s *State) SetFilters(f query.Filters) {
	s.change(func(q query.Query) query.Query {
		q.Filters = f
		return q
	}, true)
}

// SetPinned narrows the view to ids. Invalid ids are dropped.
func (s *State) SetPinned(ids []string) error {
	if n := countValid(ids); n > query.MaxPinned {
		return fmt.Errorf("%w: %d exceeds %d", ErrTooManyPinned, n, query.MaxPinned)
	}
	canonical := query.CanonicalIDs(ids)
	s.change(func(q query.Query) query.Query {
		q.PinnedIDs = canonical
		return q
	}, true)
	return nil
}

func (s *State) ClearPinned() {
	s.change(func(q query.Query) query.Query {
		q.PinnedIDs = []string{}
		return q
	}, true)
}

// SyncFromURL follows a location change the user made (back, forward, a
// pasted link). The navigator is expected to already show values. Pinned ids
// from the URL are ignored once a handoff has been applied.
func (s *State) SyncFromURL(values url.Values) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	parsed := s.codec.Parse(values)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next := parsed
	next.PageSize = s.current.PageSize
	if s.handoffApplied {
		next.PinnedIDs = slices.Clone(s.handoffIDs)
	}
	next = query.Canonicalize(next)
	if next.Equal(s.current) {
		s.mu.Unlock()
		return
	}
	s.current = next
	s.version++
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	if s.target != nil {
		s.target.SetKey(query.KeyFor(next))
	}
	s.notify(listeners, next)
}

// ApplyHandoff pins ids delivered by the analytics window for the rest of the
// session. Delivering the same ids again is a no-op. The windowId and
// from_analytics markers are removed from the URL after the grace delay.
func (s *State) ApplyHandoff(ids []string) bool {
	canonical := query.CanonicalIDs(ids)
	if countValid(ids) > query.MaxPinned {
		s.logger.Warn("handoff truncated to pinned id limit", "received", countValid(ids), "kept", query.MaxPinned)
	}

	s.mu.Lock()
	if s.closed || (s.handoffApplied && slices.Equal(s.handoffIDs, canonical)) {
		s.mu.Unlock()
		return false
	}
	s.handoffApplied = true
	s.handoffIDs = canonical
	s.mu.Unlock()

	s.change(func(q query.Query) query.Query {
		q.PinnedIDs = slices.Clone(canonical)
		return q
	}, true)
	s.scheduleTransientClear()
	return true
}

func (s *State) Subscribe(listener func(query.Query)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	unsubscribe := s.unsubscribe
	s.listeners = map[int]func(query.Query){}
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *State) applyForeignPageSize(size query.PageSize) {
	changed := s.change(func(q query.Query) query.Query {
		return q.WithPageSize(size)
	}, false)
	if changed {
		s.logger.Debug("applied page size from another tab", "page_size", int(size))
	}
}

// change runs one synchronous update: reset the offset when resetOffset is
// set, replace the URL, then hand the new key to the target.
func (s *State) change(mutate func(query.Query) query.Query, resetOffset bool) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	next := query.Canonicalize(mutate(cloneQuery(s.current)))
	if next.Equal(s.current) {
		s.mu.Unlock()
		return false
	}
	if resetOffset {
		next.Offset = 0
	}
	s.current = next
	s.version++
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	current := s.nav.Current()
	merged := s.codec.Merge(current, next)
	if merged.Encode() != current.Encode() {
		s.nav.Replace(merged)
	}
	if s.target != nil {
		s.target.SetKey(query.KeyFor(next))
	}
	s.notify(listeners, next)
	return true
}

func (s *State) scheduleTransientClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.clearTimer = time.AfterFunc(s.grace, func() {
		s.applyMu.Lock()
		defer s.applyMu.Unlock()
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		current := s.nav.Current()
		cleared := query.ClearTransient(current)
		if len(cleared) != len(current) {
			s.nav.Replace(cleared)
		}
	})
}

func (s *State) listenerSnapshot() []func(query.Query) {
	out := make([]func(query.Query), 0, len(s.listeners))
	for _, listener := range s.listeners {
		out = append(out, listener)
	}
	return out
}

func (s *State) notify(listeners []func(query.Query), q query.Query) {
	for _, listener := range listeners {
		listener(cloneQuery(q))
	}
}

func countValid(ids []string) int {
	seen := map[string]struct{}{}
	for _, raw := range ids {
		if id, ok := query.NormalizeID(raw); ok {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

func cloneQuery(q query.Query) query.Query {
	q.Filters = query.Filters{
		Platform:            slices.Clone(q.Filters.Platform),
		Status:              slices.Clone(q.Filters.Status),
		ReportedErrorStatus: slices.Clone(q.Filters.ReportedErrorStatus),
	}
	q.PinnedIDs = slices.Clone(q.PinnedIDs)
	return q
}
