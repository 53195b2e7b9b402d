package api

import (
	"errors"
	"net/http"

	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/mutation"
	"botlogs/services/console/internal/query"
)

func recordIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := query.NormalizeID(trimmedParam(r, "recordID"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid record id"})
		return "", false
	}
	return id, true
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"entries": session.Tracker().Entries("")})
}

func (h *Handler) listRecordEntries(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": session.Tracker().Entries(id)})
}

// getThread merges the record's reported-error thread with the session's
// local entries for it.
func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	var authoritative *logsapi.ReportedError
	if h.records != nil {
		record, err := h.records.FindRecord(r.Context(), id)
		switch {
		case err == nil:
			authoritative = record.Bot.UserReportedError
		case errors.Is(err, logsapi.ErrNotFound):
			h.writeError(w, r, err)
			return
		default:
			// Local entries are still worth showing without the server's view.
			h.logger.Warn("thread lookup failed", "record", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"thread": session.Tracker().Thread(id, authoritative)})
}

func (h *Handler) dismissThread(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	dropped := session.Tracker().Dismiss(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": dropped})
}

type retryWebhookRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

func (h *Handler) retryWebhook(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	payload := retryWebhookRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	record, _ := session.DisplayedRecord(id)
	entry, err := session.Tracker().Submit(r.Context(), mutation.Request{
		Target:     id,
		Kind:       mutation.KindWebhookRetry,
		WebhookURL: payload.WebhookURL,
		Record:     record,
	})
	h.writeMutation(w, r, entry, err)
}

type reportErrorRequest struct {
	Note   string `json:"note"`
	Author string `json:"author"`
}

func (h *Handler) reportError(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	payload := reportErrorRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	record, _ := session.DisplayedRecord(id)
	entry, err := session.Tracker().Submit(r.Context(), mutation.Request{
		Target: id,
		Kind:   mutation.KindReportError,
		Author: payload.Author,
		Note:   payload.Note,
		Record: record,
	})
	h.writeMutation(w, r, entry, err)
}

type threadMessageRequest struct {
	Note        string        `json:"note"`
	Author      string        `json:"author"`
	Role        mutation.Role `json:"role"`
	Status      string        `json:"status"`
	KnownStatus string        `json:"knownStatus"`
}

func (h *Handler) postThreadMessage(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	payload := threadMessageRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := session.Tracker().Submit(r.Context(), mutation.Request{
		Target:      id,
		Kind:        mutation.KindThreadReply,
		Role:        payload.Role,
		Author:      payload.Author,
		Note:        payload.Note,
		Status:      payload.Status,
		KnownStatus: payload.KnownStatus,
	})
	h.writeMutation(w, r, entry, err)
}

type threadStatusRequest struct {
	Status string        `json:"status"`
	Note   string        `json:"note"`
	Author string        `json:"author"`
	Role   mutation.Role `json:"role"`
}

// setThreadStatus changes a thread's status. A reporter can only resolve,
// which sends the closing reply.
func (h *Handler) setThreadStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	payload := threadStatusRequest{}
	if err := decodeAndValidate(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	tracker := session.Tracker()

	var (
		entry mutation.Entry
		err   error
	)
	switch {
	case payload.Role == mutation.RoleReporter && payload.Status == mutation.StatusClosed && payload.Note == "":
		entry, err = tracker.MarkResolved(r.Context(), id, payload.Author)
	case payload.Role == mutation.RoleReporter:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "validation failed",
			"errors":  map[string]string{"Status": "eq=closed"},
		})
		return
	case payload.Status == mutation.StatusInProgress && payload.Note == "":
		entry, err = tracker.SetInProgress(r.Context(), id, payload.Author)
	default:
		entry, err = tracker.Submit(r.Context(), mutation.Request{
			Target: id,
			Kind:   mutation.KindStatusChange,
			Author: payload.Author,
			Note:   payload.Note,
			Status: payload.Status,
		})
	}
	h.writeMutation(w, r, entry, err)
}

func (h *Handler) retryEntry(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	entry, err := session.Tracker().Retry(r.Context(), trimmedParam(r, "localID"))
	h.writeMutation(w, r, entry, err)
}

// writeMutation reports a settled entry. A failed remote call still returns
// the entry so the caller can offer a retry.
func (h *Handler) writeMutation(w http.ResponseWriter, r *http.Request, entry mutation.Entry, err error) {
	if err == nil {
		h.metrics.mutationsTotal.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
		return
	}
	if entry.LocalID != "" && errors.Is(err, mutation.ErrNotEnded) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "record_not_ended", "entry": entry})
		return
	}
	if entry.LocalID != "" && entry.State == mutation.StateError {
		h.metrics.mutationFailuresTotal.Add(1)
		h.logger.Warn("mutation failed", "local_id", entry.LocalID, "kind", entry.Kind, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream request failed", "entry": entry})
		return
	}
	h.writeError(w, r, err)
}

func (h *Handler) getScreenshots(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	if h.records == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "records unavailable"})
		return
	}
	screenshots, err := h.records.Screenshots(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"screenshots": screenshots})
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	kind := logsapi.ArtifactKind(trimmedParam(r, "kind"))
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown artifact kind"})
		return
	}
	if h.artifacts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifacts unavailable"})
		return
	}

	var (
		body any
		err  error
	)
	switch kind {
	case logsapi.ArtifactDebugLogs:
		body, err = h.artifacts.DebugLog(r.Context(), id)
	case logsapi.ArtifactMachineMetrics:
		body, err = h.artifacts.SystemMetrics(r.Context(), id)
	case logsapi.ArtifactSoundLogs:
		body, err = h.artifacts.SoundLevels(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, http.StatusOK, body)
}
