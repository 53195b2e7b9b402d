package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botlogs/services/console/internal/console"
	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/prefs"
	"botlogs/services/console/internal/query"
	"botlogs/services/console/internal/querystate"
	"botlogs/services/console/internal/selection"
)

type createSessionRequest struct {
	DeviceID string `json:"deviceId" validate:"omitempty,max=64"`
	URL      string `json:"url" validate:"omitempty,max=8192"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	payload := createSessionRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	if payload.DeviceID == "" {
		payload.DeviceID = strings.TrimSpace(r.Header.Get("X-Device-ID"))
	}

	session, err := h.sessions.Create(r.Context(), console.CreateOptions{DeviceID: payload.DeviceID, URL: payload.URL})
	if err != nil {
		switch {
		case errors.Is(err, prefs.ErrInvalidDevice):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		case errors.Is(err, handoff.ErrInvalidWindowID), errors.Is(err, handoff.ErrWindowInUse):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "handoff window unavailable"})
		default:
			h.writeError(w, r, err)
		}
		return
	}
	h.metrics.sessionsCreatedTotal.Add(1)

	writeJSON(w, http.StatusCreated, map[string]any{"session": session.Snapshot()})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"session": session.Snapshot()})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if err := h.sessions.Close(session.ID); err != nil && !errors.Is(err, console.ErrSessionNotFound) {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchQueryRequest struct {
	Page      *int           `json:"page" validate:"omitempty,min=1"`
	Offset    *int           `json:"offset" validate:"omitempty,min=0"`
	PageSize  *int           `json:"pageSize" validate:"omitempty,oneof=20 50 100"`
	StartDate *time.Time     `json:"startDate"`
	EndDate   *time.Time     `json:"endDate"`
	Filters   *query.Filters `json:"filters"`
	PinnedIDs *[]string      `json:"pinnedIds" validate:"omitempty,max=100"`
}

// patchQuery applies the fields present in the body in the order a user would:
// filters and range first, then pins, then page size and position.
func (h *Handler) patchQuery(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload := patchQueryRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	state := session.State()

	if payload.Filters != nil {
		state.SetFilters(*payload.Filters)
	}
	if payload.StartDate != nil || payload.EndDate != nil {
		current := state.Snapshot().DateRange
		next := current
		if payload.StartDate != nil {
			next.Start = payload.StartDate.UTC()
		}
		if payload.EndDate != nil {
			next.End = payload.EndDate.UTC()
		}
		if !next.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "validation failed",
				"errors":  map[string]string{"DateRange": "order"},
			})
			return
		}
		state.SetDateRange(next)
	}
	if payload.PinnedIDs != nil {
		if len(*payload.PinnedIDs) == 0 {
			state.ClearPinned()
		} else if err := state.SetPinned(*payload.PinnedIDs); err != nil {
			if errors.Is(err, querystate.ErrTooManyPinned) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "pinned_limit", "max": query.MaxPinned})
				return
			}
			h.writeError(w, r, err)
			return
		}
	}
	if payload.PageSize != nil {
		if err := state.SetPageSize(r.Context(), query.PageSize(*payload.PageSize)); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	switch {
	case payload.Page != nil:
		state.SetPage(*payload.Page)
	case payload.Offset != nil:
		state.SetOffset(*payload.Offset)
	}

	writeJSON(w, http.StatusOK, map[string]any{"session": session.Snapshot()})
}

type navigateRequest struct {
	URL string `json:"url" validate:"required,max=8192"`
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload := navigateRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	target, err := url.Parse(payload.URL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid url"})
		return
	}
	session.Navigate(target.Query())
	writeJSON(w, http.StatusOK, map[string]any{"session": session.Snapshot()})
}

func (h *Handler) back(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	moved := session.Back()
	writeJSON(w, http.StatusOK, map[string]any{"moved": moved, "session": session.Snapshot()})
}

// getPage returns what the session shows. With wait=true it blocks until the
// current key has settled or the request times out.
func (h *Handler) getPage(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if r.URL.Query().Get("wait") != "true" {
		snap := session.View().Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"page": snap, "loading": snap.Loading()})
		return
	}

	snap, err := session.WaitPage(r.Context())
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "page not ready", "page": snap})
		return
	}
	if snap.Err != nil && !snap.HasData {
		h.writeError(w, r, snap.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": snap, "loading": snap.Loading()})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	session.View().Refresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"page": session.View().Snapshot()})
}

type selectionRequest struct {
	Action string   `json:"action" validate:"required,oneof=select deselect toggle select_all_visible clear"`
	IDs    []string `json:"ids" validate:"omitempty,max=100,dive,uuid"`
}

func (h *Handler) updateSelection(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload := selectionRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	sel := session.Selection()
	visible := session.VisibleIDs()

	switch payload.Action {
	case "select":
		sel.Select(payload.IDs...)
	case "deselect":
		sel.Deselect(payload.IDs...)
	case "toggle":
		for _, id := range payload.IDs {
			sel.Toggle(id)
		}
	case "select_all_visible":
		sel.SelectAllVisible(visible)
	case "clear":
		sel.Clear()
	}

	writeJSON(w, http.StatusOK, map[string]any{"selected": sel.IDs()})
}

type shareRequest struct {
	Base string `json:"base" validate:"omitempty,url"`
}

// share builds the share link for the selection. Without a base, the link
// points at the session's own address.
func (h *Handler) share(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload := shareRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	rawBase := payload.Base
	if rawBase == "" {
		rawBase = session.URL()
	}
	base, err := url.Parse(rawBase)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid base url"})
		return
	}

	link, err := session.Selection().ShareLink(base, session.Location())
	if err != nil {
		var limitErr *selection.LimitError
		switch {
		case errors.As(err, &limitErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    "share_limit",
				"message":  limitErr.Error(),
				"selected": limitErr.Selected,
				"max":      limitErr.Max,
			})
		case errors.Is(err, selection.ErrEmptySelection):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "empty_selection"})
		default:
			h.writeError(w, r, err)
		}
		return
	}
	ids, _ := session.Selection().IdentifierList()
	h.metrics.sharesTotal.Add(1)

	writeJSON(w, http.StatusOK, map[string]any{"url": link, "ids": ids})
}
