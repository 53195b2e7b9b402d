package store

import (
	"encoding/json"
	"fmt"
	"time"

	"botlogs/services/console/internal/mutation"
)

// journalRow is one mutation entry as stored in mutation_journal.
type journalRow struct {
	Owner          string
	LocalID        string
	TargetRecordID string
	Kind           string
	Payload        []byte
	State          string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Postgres keeps timestamps at microsecond precision; rows are normalized to
// that so an entry reads back equal to what was written.
func toRow(owner string, entry mutation.Entry) (journalRow, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return journalRow{}, fmt.Errorf("encode payload: %w", err)
	}
	return journalRow{
		Owner:          owner,
		LocalID:        entry.LocalID,
		TargetRecordID: entry.TargetRecordID,
		Kind:           string(entry.Kind),
		Payload:        payload,
		State:          string(entry.State),
		Attempts:       entry.Attempts,
		LastError:      entry.LastError,
		CreatedAt:      entry.CreatedAt.UTC().Truncate(time.Microsecond),
		UpdatedAt:      entry.UpdatedAt.UTC().Truncate(time.Microsecond),
	}, nil
}

func (r journalRow) entry() (mutation.Entry, error) {
	var payload mutation.Payload
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return mutation.Entry{}, fmt.Errorf("decode payload of %s: %w", r.LocalID, err)
		}
	}
	return mutation.Entry{
		LocalID:        r.LocalID,
		TargetRecordID: r.TargetRecordID,
		Kind:           mutation.Kind(r.Kind),
		Payload:        payload,
		State:          mutation.State(r.State),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
	}, nil
}
