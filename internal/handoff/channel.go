package handoff

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/query"
)

// Message types exchanged with the analytics window.
const (
	TypeReady       = "ready"
	TypeSetBotUUIDs = "setBotUuids"
	TypeApplied     = "applied"
	TypeRejected    = "rejected"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrOrigin         = errors.New("message origin not allowed")
	ErrMessageType    = errors.New("unexpected message type")
	ErrWindowMismatch = errors.New("message is for another window")
	ErrNoValidIDs     = errors.New("message carries no valid record ids")
	ErrExpired        = errors.New("handoff expired")
	ErrWindowInUse    = errors.New("window id already used")
)

type Message struct {
	Type     string   `json:"type"`
	WindowID string   `json:"windowId"`
	UUIDs    []string `json:"uuids,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ApplyFunc receives the pinned ids of a handoff. It reports whether they
// were applied.
type ApplyFunc func(ids []string) bool

type Options struct {
	AllowedOrigin string
	Timeout       time.Duration
	Signer        *Signer
	Logger        *slog.Logger
}

// Channel tracks the live handshakes of this process by window id.
type Channel struct {
	allowedOrigin string
	timeout       time.Duration
	signer        *Signer
	logger        *slog.Logger

	mu       sync.Mutex
	live     map[string]*Handshake
	consumed map[string]time.Time
}

func NewChannel(opts Options) (*Channel, error) {
	if opts.Signer == nil {
		return nil, errors.New("handoff signer is required")
	}
	if strings.TrimSpace(opts.AllowedOrigin) == "" {
		return nil, errors.New("handoff allowed origin is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Channel{
		allowedOrigin: strings.TrimRight(strings.TrimSpace(opts.AllowedOrigin), "/"),
		timeout:       opts.Timeout,
		signer:        opts.Signer,
		logger:        logging.OrDiscard(opts.Logger),
		live:          map[string]*Handshake{},
		consumed:      map[string]time.Time{},
	}, nil
}

func (c *Channel) AllowedOrigin() string {
	return c.allowedOrigin
}

func (c *Channel) Timeout() time.Duration {
	return c.timeout
}

// Issue mints a window id for the analytics side to open a console with.
func (c *Channel) Issue() (string, error) {
	return c.signer.Issue(c.timeout * 3)
}

// Begin opens the handshake for windowID. Each window id can be used once and
// the handshake expires after the channel timeout whether or not it applied.
func (c *Channel) Begin(windowID string, apply ApplyFunc) (*Handshake, error) {
	if err := c.signer.Verify(windowID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, until := range c.consumed {
		if now.After(until) {
			delete(c.consumed, id)
		}
	}
	if _, used := c.consumed[windowID]; used {
		return nil, ErrWindowInUse
	}
	c.consumed[windowID] = now.Add(c.timeout * 3)

	hs := &Handshake{
		channel:   c,
		windowID:  windowID,
		apply:     apply,
		expiresAt: now.Add(c.timeout),
		done:      make(chan struct{}),
	}
	hs.timer = time.AfterFunc(c.timeout, func() {
		if hs.expire() {
			c.logger.Info("handoff expired without ids", "window_id", shortID(windowID))
		}
	})
	c.live[windowID] = hs
	return hs, nil
}

// Lookup finds the live handshake for windowID.
func (c *Channel) Lookup(windowID string) (*Handshake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.live[windowID]
	return hs, ok
}

func (c *Channel) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Channel) forget(hs *Handshake) {
	c.mu.Lock()
	if c.live[hs.windowID] == hs {
		delete(c.live, hs.windowID)
	}
	c.mu.Unlock()
}

// Handshake is one pending pinned-id handoff.
type Handshake struct {
	channel   *Channel
	windowID  string
	apply     ApplyFunc
	expiresAt time.Time
	timer     *time.Timer

	mu       sync.Mutex
	finished bool
	applied  []string
	done     chan struct{}
}

func (h *Handshake) WindowID() string {
	return h.windowID
}

func (h *Handshake) ExpiresAt() time.Time {
	return h.expiresAt
}

// Ready is the message announcing that the console can receive ids.
func (h *Handshake) Ready() Message {
	return Message{Type: TypeReady, WindowID: h.windowID}
}

// Done is closed once the handshake applied ids or expired.
func (h *Handshake) Done() <-chan struct{} {
	return h.done
}

// Applied returns the ids that were applied, if any.
func (h *Handshake) Applied() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.applied...)
}

// Deliver validates msg from origin and applies its ids once. Later
// deliveries are ignored; they return false with a nil error.
func (h *Handshake) Deliver(origin string, msg Message) (bool, error) {
	if strings.TrimRight(strings.TrimSpace(origin), "/") != h.channel.allowedOrigin {
		return false, ErrOrigin
	}
	if msg.Type != TypeSetBotUUIDs {
		return false, ErrMessageType
	}
	if msg.WindowID != h.windowID {
		return false, ErrWindowMismatch
	}

	ids := make([]string, 0, len(msg.UUIDs))
	for _, raw := range msg.UUIDs {
		if id, ok := query.NormalizeID(raw); ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) > query.MaxPinned {
		h.channel.logger.Warn("handoff carried too many ids, truncating",
			"window_id", shortID(h.windowID),
			"received", len(ids),
			"kept", query.MaxPinned,
		)
		ids = ids[:query.MaxPinned]
	}

	h.mu.Lock()
	if h.finished {
		applied := h.applied
		h.mu.Unlock()
		if applied == nil {
			return false, ErrExpired
		}
		return false, nil
	}
	if len(ids) == 0 {
		h.mu.Unlock()
		return false, ErrNoValidIDs
	}
	h.finished = true
	h.applied = ids
	h.mu.Unlock()

	h.timer.Stop()
	h.channel.forget(h)
	close(h.done)

	ok := h.apply == nil || h.apply(ids)
	h.channel.logger.Info("handoff applied", "window_id", shortID(h.windowID), "ids", len(ids), "accepted", ok)
	return ok, nil
}

// Close abandons the handshake.
func (h *Handshake) Close() {
	h.timer.Stop()
	h.expire()
}

func (h *Handshake) expire() bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true
	h.mu.Unlock()

	h.channel.forget(h)
	close(h.done)
	return true
}

func shortID(windowID string) string {
	if len(windowID) <= 12 {
		return windowID
	}
	return windowID[:12]
}
