package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"botlogs/services/console/internal/prefs"
	"botlogs/services/console/internal/query"
)

type putPreferenceRequest struct {
	Value json.RawMessage `json:"value" validate:"required"`
}

func deviceParam(r *http.Request) string {
	if device := strings.TrimSpace(r.URL.Query().Get("device")); device != "" {
		return device
	}
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}

// getPreference reads one device preference through the same loader sessions
// use, so unreadable stored values come back as defaults.
func (h *Handler) getPreference(w http.ResponseWriter, r *http.Request) {
	key := trimmedParam(r, "key")
	if key != prefs.KeyPageSize && key != prefs.KeyColumnVisibility {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown preference"})
		return
	}
	preferences, closeStore, ok := h.loadPreferences(w, r)
	if !ok {
		return
	}
	defer closeStore()

	var value any
	switch key {
	case prefs.KeyPageSize:
		value = preferences.PageSize()
	case prefs.KeyColumnVisibility:
		value = preferences.ColumnVisibility()
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (h *Handler) putPreference(w http.ResponseWriter, r *http.Request) {
	key := trimmedParam(r, "key")
	if key != prefs.KeyPageSize && key != prefs.KeyColumnVisibility {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown preference"})
		return
	}
	payload := putPreferenceRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	preferences, closeStore, ok := h.loadPreferences(w, r)
	if !ok {
		return
	}
	defer closeStore()

	var err error
	switch key {
	case prefs.KeyPageSize:
		var size int
		if json.Unmarshal(payload.Value, &size) != nil || !query.PageSize(size).Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "validation failed",
				"errors":  map[string]string{"Value": "oneof=20 50 100"},
			})
			return
		}
		err = preferences.SetPageSize(r.Context(), query.PageSize(size))
	case prefs.KeyColumnVisibility:
		columns := prefs.ColumnVisibility{}
		if json.Unmarshal(payload.Value, &columns) != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "validation failed",
				"errors":  map[string]string{"Value": "columns"},
			})
			return
		}
		err = preferences.SetColumnVisibility(r.Context(), columns)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": payload.Value})
}

func (h *Handler) loadPreferences(w http.ResponseWriter, r *http.Request) (*prefs.Preferences, func(), bool) {
	if h.openPrefs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "preferences unavailable"})
		return nil, nil, false
	}
	store, err := h.openPrefs(r.Context(), deviceParam(r))
	if err != nil {
		if errors.Is(err, prefs.ErrInvalidDevice) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
			return nil, nil, false
		}
		h.writeError(w, r, err)
		return nil, nil, false
	}
	preferences, err := prefs.Load(r.Context(), store, h.logger)
	if err != nil {
		_ = store.Close()
		h.writeError(w, r, err)
		return nil, nil, false
	}
	return preferences, func() {
		preferences.Close()
		_ = store.Close()
	}, true
}
