package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"botlogs/services/console/internal/console"
	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/query"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
	keepaliveInterval = 30 * time.Second
)

// streamSessionEvents pushes the session's snapshot and then every change.
// A client that falls behind by more than the buffer is disconnected and is
// expected to reconnect for a fresh snapshot.
func (h *Handler) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("session event stream rejected", "session", session.ID, "error", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	events := make(chan console.Event, eventBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := session.Subscribe(func(event console.Event) {
		select {
		case events <- event:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	snapshot := console.Event{Type: console.EventSnapshot, Session: session.ID, Payload: session.Snapshot()}
	if err := writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			_ = conn.Close(websocket.StatusPolicyViolation, "event stream overflow")
			return
		case event := <-events:
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		case <-keepalive.C:
			// Get also keeps a watched session from idling out.
			if _, err := h.sessions.Get(session.ID); err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event console.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	patterns := make([]string, 0, len(h.corsAllowedOrigins))
	for _, origin := range h.corsAllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		patterns = append(patterns, originHost(origin))
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func originHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return origin
	}
	return parsed.Host
}

type issueHandoffRequest struct {
	Base string `json:"base" validate:"omitempty,url"`
}

// issueHandoff hands the analytics page a window id and the console link that
// opens a session listening on it.
func (h *Handler) issueHandoff(w http.ResponseWriter, r *http.Request) {
	if h.handoff == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "handoff unavailable"})
		return
	}
	payload := issueHandoffRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	windowID, err := h.handoff.Issue()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	base := payload.Base
	if base == "" {
		base = "/"
	}
	link, err := url.Parse(base)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid base url"})
		return
	}
	params := link.Query()
	params.Set(query.ParamWindowID, windowID)
	params.Set(query.ParamFromAnalytics, "true")
	link.RawQuery = params.Encode()

	writeJSON(w, http.StatusCreated, map[string]any{
		"windowId":       windowID,
		"link":           link.String(),
		"timeoutSeconds": int(h.handoff.Timeout().Seconds()),
	})
}

// serveHandoff is the analytics window's end of a handshake.
func (h *Handler) serveHandoff(w http.ResponseWriter, r *http.Request) {
	if h.handoff == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "handoff unavailable"})
		return
	}
	hs, ok := h.handoff.Lookup(trimmedParam(r, "windowID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "handoff not found"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{originHost(h.handoff.AllowedOrigin())},
	})
	if err != nil {
		h.logger.Warn("handoff connection rejected", "error", err)
		return
	}
	defer conn.CloseNow()

	err = handoff.Serve(r.Context(), conn, r.Header.Get("Origin"), hs)
	switch {
	case err == nil:
		if len(hs.Applied()) > 0 {
			h.metrics.handoffsAppliedTotal.Add(1)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "applied")
	case errors.Is(err, handoff.ErrExpired):
		_ = conn.Close(websocket.StatusNormalClosure, "expired")
	case errors.Is(err, handoff.ErrOrigin):
		_ = conn.Close(websocket.StatusPolicyViolation, "origin not allowed")
	default:
		h.logger.Info("handoff connection ended", "error", err)
	}
}
