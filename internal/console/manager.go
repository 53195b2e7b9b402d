package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/mutation"
	"botlogs/services/console/internal/pagecache"
	"botlogs/services/console/internal/prefs"
	"botlogs/services/console/internal/query"
	"botlogs/services/console/internal/querystate"
	"botlogs/services/console/internal/selection"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrShutdown        = errors.New("console is shutting down")
)

// PrefsOpener opens the preference store of one device.
type PrefsOpener func(ctx context.Context, deviceID string) (prefs.Store, error)

type Deps struct {
	Cache       *pagecache.Cache
	Remote      mutation.Remote
	Records     mutation.RecordSource
	Invalidator mutation.Invalidator
	Journal     mutation.Journal
	OpenPrefs   PrefsOpener
	Handoff     *handoff.Channel
	Codec       query.Codec
	Logger      *slog.Logger
	// TTL is how long a session may stay untouched before eviction.
	TTL time.Duration
	Now func() time.Time
}

type CreateOptions struct {
	DeviceID string
	// URL is the address the session opens on. Its query string seeds the
	// query and may request an analytics handoff.
	URL string
}

type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(deps Deps) (*Manager, error) {
	if deps.Cache == nil {
		return nil, errors.New("page cache is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("mutation remote is required")
	}
	if deps.OpenPrefs == nil {
		devices := prefs.NewDevices("")
		deps.OpenPrefs = func(_ context.Context, deviceID string) (prefs.Store, error) {
			return devices.Open(deviceID)
		}
	}
	if deps.Journal == nil {
		deps.Journal = mutation.NoopJournal{}
	}
	if deps.Invalidator == nil {
		deps.Invalidator = deps.Cache
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		deps:     deps,
		logger:   logging.OrDiscard(deps.Logger),
		sessions: map[string]*Session{},
	}, nil
}

// Create opens a session. A URL carrying a handoff window id and the
// analytics flag starts a handshake that pins the ids the analytics window
// delivers.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.mu.Unlock()

	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	rawURL := opts.URL
	if rawURL == "" {
		rawURL = "/"
	}

	nav, err := querystate.NewMemoryNavigator(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse session url: %w", err)
	}

	store, err := m.deps.OpenPrefs(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	sessionID := uuid.NewString()
	logger := m.logger.With("session", sessionID, "device", deviceID)

	preferences, err := prefs.Load(ctx, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	tracker, err := mutation.NewTracker(mutation.Options{
		Remote:      m.deps.Remote,
		Records:     m.deps.Records,
		Journal:     m.deps.Journal,
		Invalidator: m.deps.Invalidator,
		Owner:       deviceID,
		Logger:      logger,
		Now:         m.deps.Now,
	})
	if err != nil {
		preferences.Close()
		_ = store.Close()
		return nil, err
	}
	// A live session on the same device may still own pending entries, so
	// only the first one restores.
	if !m.deviceLive(deviceID) {
		if restored, err := tracker.Restore(ctx); err != nil {
			logger.Warn("restore mutation journal failed", "error", err)
		} else if restored > 0 {
			logger.Info("restored journaled mutations", "count", restored)
		}
	}

	view := m.deps.Cache.NewView()
	state := querystate.New(querystate.Options{
		Codec:     m.deps.Codec,
		Navigator: nav,
		Target:    view,
		Prefs:     preferences,
		Logger:    logger,
	})

	now := m.deps.Now()
	session := &Session{
		ID:        sessionID,
		DeviceID:  deviceID,
		Created:   now,
		nav:       nav,
		state:     state,
		view:      view,
		selection: selection.New(),
		tracker:   tracker,
		prefs:     preferences,
		store:     store,
		listeners: map[int]func(Event){},
	}
	session.Touch(now)
	session.wire()

	if err := m.beginHandoff(session, nav.Current(), logger); err != nil {
		session.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		session.Close()
		return nil, ErrShutdown
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	logger.Info("session opened", "url", session.URL())
	return session, nil
}

func (m *Manager) beginHandoff(session *Session, values url.Values, logger *slog.Logger) error {
	windowID := values.Get(query.ParamWindowID)
	if windowID == "" || values.Get(query.ParamFromAnalytics) != "true" {
		return nil
	}
	if m.deps.Handoff == nil {
		logger.Warn("handoff requested but not configured")
		return nil
	}
	hs, err := m.deps.Handoff.Begin(windowID, session.applyHandoff)
	if err != nil {
		return fmt.Errorf("begin handoff: %w", err)
	}
	session.handshake = hs
	return nil
}

// Get returns a live session and marks it as used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	session.Touch(m.deps.Now())
	return session, nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		return out[i].Created.Before(out[k].Created)
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Close(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	session.Close()
	m.logger.Info("session closed", "session", id)
	return nil
}

// EvictIdle closes sessions untouched for longer than the TTL.
func (m *Manager) EvictIdle(now time.Time) int {
	if m.deps.TTL <= 0 {
		return 0
	}
	cutoff := now.Add(-m.deps.TTL)

	m.mu.Lock()
	var idle []*Session
	for id, session := range m.sessions {
		if session.LastSeen().Before(cutoff) {
			idle = append(idle, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range idle {
		session.Close()
	}
	if len(idle) > 0 {
		m.logger.Info("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

func (m *Manager) deviceLive(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.DeviceID == deviceID {
			return true
		}
	}
	return false
}
