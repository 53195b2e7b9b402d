package mutation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Journal keeps unsettled entries so an interrupted session can offer them
// for retry. Owner scopes entries to one device.
type Journal interface {
	Save(ctx context.Context, owner string, entry Entry) error
	Delete(ctx context.Context, owner, localID string) error
	Load(ctx context.Context, owner string) ([]Entry, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close()
}

type NoopJournal struct{}

func (NoopJournal) Save(context.Context, string, Entry) error     { return nil }
func (NoopJournal) Delete(context.Context, string, string) error  { return nil }
func (NoopJournal) Load(context.Context, string) ([]Entry, error) { return nil, nil }
func (NoopJournal) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (NoopJournal) Close()                                        {}

type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]map[string]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: map[string]map[string]Entry{}}
}

func (j *MemoryJournal) Save(_ context.Context, owner string, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	byID, ok := j.entries[owner]
	if !ok {
		byID = map[string]Entry{}
		j.entries[owner] = byID
	}
	byID[entry.LocalID] = entry
	return nil
}

func (j *MemoryJournal) Delete(_ context.Context, owner, localID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries[owner], localID)
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, owner string) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.entries[owner]))
	for _, entry := range j.entries[owner] {
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Prune(_ context.Context, olderThan time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for owner, byID := range j.entries {
		for id, entry := range byID {
			if entry.UpdatedAt.Before(olderThan) {
				delete(byID, id)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(j.entries, owner)
		}
	}
	return removed, nil
}

func (j *MemoryJournal) Close() {}
