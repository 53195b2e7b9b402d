package mutation

import (
	"sort"
	"strings"
	"time"

	"botlogs/services/console/internal/logsapi"

	"github.com/google/uuid"
)

// Message is one row of a reported-error thread. ID is stable for the life of
// the row: a server message that reflects a local entry takes the entry's
// LocalID.
type Message struct {
	ID        string    `json:"id"`
	LocalID   string    `json:"localId,omitempty"`
	Author    string    `json:"author,omitempty"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
}

type Thread struct {
	Status            string    `json:"status,omitempty"`
	StatusProvisional bool      `json:"statusProvisional"`
	Messages          []Message `json:"messages"`
}

// Merge overlays local entries on an authoritative thread. The server decides
// status and its messages always appear; unsettled entries are kept; settled
// entries are matched to the server message that reflects them or kept until
// one does. A pending entry that requests a status shows it provisionally.
func Merge(authoritative *logsapi.ReportedError, entries []Entry, confirmedStatus string) Thread {
	thread := Thread{Messages: []Message{}}

	var server []Message
	if authoritative != nil {
		server = make([]Message, 0, len(authoritative.Messages))
		for _, msg := range authoritative.Messages {
			note := logsapi.DisplayNote(msg.Note)
			server = append(server, Message{
				ID:        serverMessageID(msg),
				Author:    msg.Author,
				Note:      note,
				CreatedAt: msg.CreatedAt.Time,
				State:     StateSuccess,
			})
		}
	}
	matched := make([]bool, len(server))

	local := make([]Message, 0, len(entries))
	var provisional *Entry
	for i := range entries {
		entry := entries[i]
		if !entry.Kind.AffectsThread() {
			continue
		}
		if entry.State == StatePending && entry.Payload.Status != "" {
			if provisional == nil || !entry.CreatedAt.Before(provisional.CreatedAt) {
				provisional = &entries[i]
			}
		}
		if entry.Kind == KindStatusChange && entry.Payload.Note == "" {
			continue
		}

		if entry.State == StateSuccess {
			if idx := findReflection(server, matched, entry); idx >= 0 {
				matched[idx] = true
				server[idx].ID = entry.LocalID
				server[idx].LocalID = entry.LocalID
				continue
			}
		}
		local = append(local, Message{
			ID:        entry.LocalID,
			LocalID:   entry.LocalID,
			Author:    entry.Payload.Author,
			Note:      entry.Payload.Note,
			CreatedAt: entry.CreatedAt,
			State:     entry.State,
			Error:     entry.LastError,
		})
	}

	thread.Messages = append(thread.Messages, server...)
	thread.Messages = append(thread.Messages, local...)
	sort.SliceStable(thread.Messages, func(i, k int) bool {
		return thread.Messages[i].CreatedAt.Before(thread.Messages[k].CreatedAt)
	})

	switch {
	case provisional != nil:
		thread.Status = provisional.Payload.Status
		thread.StatusProvisional = true
	case authoritative != nil && authoritative.Status != "":
		thread.Status = authoritative.Status
	default:
		thread.Status = confirmedStatus
	}
	return thread
}

// reflectionSkew bounds how far a server timestamp may precede the local
// entry it reflects.
const reflectionSkew = time.Minute

// findReflection picks the earliest unmatched server message that carries
// the entry's note, was not written before the entry, and has the same author
// when both sides name one. Rows without a timestamp are a last resort.
func findReflection(server []Message, matched []bool, entry Entry) int {
	want := strings.TrimSpace(entry.Payload.Note)
	notBefore := entry.CreatedAt.Add(-reflectionSkew)
	best, undated := -1, -1
	for i := range server {
		if matched[i] || strings.TrimSpace(server[i].Note) != want {
			continue
		}
		if entry.Payload.Author != "" && server[i].Author != "" && server[i].Author != entry.Payload.Author {
			continue
		}
		created := server[i].CreatedAt
		if created.IsZero() {
			if undated < 0 {
				undated = i
			}
			continue
		}
		if !entry.CreatedAt.IsZero() && created.Before(notBefore) {
			continue
		}
		if best < 0 || created.Before(server[best].CreatedAt) {
			best = i
		}
	}
	if best < 0 {
		return undated
	}
	return best
}

// serverMessageID keeps rows without a server id stable across merges.
func serverMessageID(msg logsapi.ReportedMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	seed := msg.Author + "\x00" + msg.Note + "\x00" + msg.CreatedAt.Time.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
