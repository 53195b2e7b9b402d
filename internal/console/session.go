package console

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/mutation"
	"botlogs/services/console/internal/pagecache"
	"botlogs/services/console/internal/prefs"
	"botlogs/services/console/internal/query"
	"botlogs/services/console/internal/querystate"
	"botlogs/services/console/internal/selection"
)

// EventType names what changed in a session.
type EventType string

const (
	EventQuery    EventType = "query"
	EventPage     EventType = "page"
	EventEntry    EventType = "entry"
	EventColumns  EventType = "columns"
	EventHandoff  EventType = "handoff"
	EventSnapshot EventType = "snapshot"
)

type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Payload any       `json:"payload"`
}

// Session is one console view, the server-side counterpart of a browser tab.
type Session struct {
	ID       string
	DeviceID string
	Created  time.Time

	nav       *querystate.MemoryNavigator
	state     *querystate.State
	view      *pagecache.View
	selection *selection.Selection
	tracker   *mutation.Tracker
	prefs     *prefs.Preferences
	store     prefs.Store
	handshake *handoff.Handshake

	lastSeen atomic.Int64

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
	unsubs    []func()
	closed    bool
}

// Snapshot is the serializable state of a session.
type Snapshot struct {
	ID             string                 `json:"id"`
	DeviceID       string                 `json:"deviceId"`
	URL            string                 `json:"url"`
	Query          query.Query            `json:"query"`
	Key            query.Key              `json:"key"`
	Page           pagecache.Snapshot     `json:"page"`
	Selected       []string               `json:"selected"`
	PageSize       query.PageSize         `json:"pageSize"`
	Columns        prefs.ColumnVisibility `json:"columns"`
	HandoffWindow  string                 `json:"handoffWindow,omitempty"`
	HandoffApplied bool                   `json:"handoffApplied"`
	Entries        []mutation.Entry       `json:"entries"`
	Created        time.Time              `json:"created"`
}

func (s *Session) State() *querystate.State {
	return s.state
}

func (s *Session) View() *pagecache.View {
	return s.view
}

func (s *Session) Selection() *selection.Selection {
	return s.selection
}

func (s *Session) Tracker() *mutation.Tracker {
	return s.tracker
}

func (s *Session) Preferences() *prefs.Preferences {
	return s.prefs
}

func (s *Session) Handshake() *handoff.Handshake {
	return s.handshake
}

// URL is the session's current address, query string included.
func (s *Session) URL() string {
	return s.nav.URL()
}

// Location returns the current query parameters.
func (s *Session) Location() url.Values {
	return s.nav.Current()
}

// Navigate follows a link within the console: a new history entry whose
// parameters become the query.
func (s *Session) Navigate(values url.Values) {
	s.nav.Visit(values)
	s.state.SyncFromURL(values)
}

// Back returns to the previous history entry. It reports false at the first
// entry.
func (s *Session) Back() bool {
	values, ok := s.nav.Back()
	if !ok {
		return false
	}
	s.state.SyncFromURL(values)
	return true
}

// VisibleIDs lists the record ids on the page currently shown and brings the
// selection's visible rows up to date with them.
func (s *Session) VisibleIDs() []string {
	snap := s.view.Snapshot()
	ids := pageIDs(snap)
	if snap.HasData && !snap.Placeholder {
		s.selection.SetVisible(ids)
	}
	return ids
}

// DisplayedRecord returns the row for botUUID on the page the session shows.
func (s *Session) DisplayedRecord(botUUID string) (*logsapi.Record, bool) {
	snap := s.view.Snapshot()
	if !snap.HasData {
		return nil, false
	}
	for i := range snap.Page.Records {
		if strings.EqualFold(snap.Page.Records[i].Bot.UUID, botUUID) {
			record := snap.Page.Records[i]
			return &record, true
		}
	}
	return nil, false
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:             s.ID,
		DeviceID:       s.DeviceID,
		URL:            s.URL(),
		Query:          s.state.Snapshot(),
		Key:            s.state.Key(),
		Page:           s.view.Snapshot(),
		Selected:       s.selection.IDs(),
		PageSize:       s.prefs.PageSize(),
		Columns:        s.prefs.ColumnVisibility(),
		HandoffApplied: s.state.HandoffApplied(),
		Entries:        s.tracker.Entries(""),
		Created:        s.Created,
	}
	if s.handshake != nil {
		select {
		case <-s.handshake.Done():
		default:
			snap.HandoffWindow = s.handshake.WindowID()
		}
	}
	return snap
}

func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Subscribe streams session events until the returned func is called.
func (s *Session) Subscribe(listener func(Event)) func() {
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

// Close releases everything the session holds. Journaled mutations survive
// for the device's next session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.listeners = map[int]func(Event){}
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if s.handshake != nil {
		s.handshake.Close()
	}
	s.state.Close()
	s.view.Close()
	s.tracker.Close()
	s.prefs.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *Session) wire() {
	s.unsubs = append(s.unsubs,
		s.view.Subscribe(func(snap pagecache.Snapshot) {
			if snap.HasData && !snap.Placeholder {
				s.selection.SetVisible(pageIDs(snap))
			}
			s.emit(EventPage, snap)
		}),
		s.state.Subscribe(func(q query.Query) {
			s.emit(EventQuery, q)
		}),
		s.tracker.Subscribe(func(entry mutation.Entry) {
			s.emit(EventEntry, entry)
		}),
		s.prefs.OnColumnVisibilityChange(func(columns prefs.ColumnVisibility) {
			s.emit(EventColumns, columns)
		}),
	)
	s.VisibleIDs()
}

func (s *Session) applyHandoff(ids []string) bool {
	applied := s.state.ApplyHandoff(ids)
	if applied {
		s.emit(EventHandoff, ids)
	}
	return applied
}

func (s *Session) emit(kind EventType, payload any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	event := Event{Type: kind, Session: s.ID, Payload: payload}
	for _, listener := range listeners {
		listener(event)
	}
}

func pageIDs(snap pagecache.Snapshot) []string {
	ids := make([]string, 0, len(snap.Page.Records))
	for _, record := range snap.Page.Records {
		ids = append(ids, record.Bot.UUID)
	}
	return ids
}

// WaitPage blocks until the session's current key has settled.
func (s *Session) WaitPage(ctx context.Context) (pagecache.Snapshot, error) {
	return s.view.Wait(ctx)
}
