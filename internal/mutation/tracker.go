package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"

	"github.com/google/uuid"
)

// ErrStale is returned when a call finished after its entry was dismissed or
// retried again. The result is not applied.
var ErrStale = errors.New("mutation result no longer relevant")

type Remote interface {
	RetryWebhook(ctx context.Context, botUUID, webhookURL string) error
	ReportError(ctx context.Context, botUUID, note string) error
	UpdateError(ctx context.Context, botUUID, note, status string) error
}

// RecordSource resolves the record a mutation targets so it can be gated on
// the meeting having ended.
type RecordSource interface {
	FindRecord(ctx context.Context, botUUID string) (logsapi.Record, error)
}

type Invalidator interface {
	InvalidateRecord(uuid string)
}

type Listener func(Entry)

type Options struct {
	Remote      Remote
	Records     RecordSource
	Journal     Journal
	Invalidator Invalidator
	Owner       string
	Logger      *slog.Logger
	Now         func() time.Time
}

type tracked struct {
	entry   Entry
	attempt uint64
	seq     uint64
	// ended is set once the target is known to have ended.
	ended bool
}

// Tracker owns the optimistic entries of one console session.
type Tracker struct {
	remote      Remote
	records     RecordSource
	journal     Journal
	invalidator Invalidator
	owner       string
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	entries   map[string]*tracked
	confirmed map[string]string
	seq       uint64
	closed    bool

	listenerMu   sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Remote == nil {
		return nil, errors.New("mutation remote is required")
	}
	if opts.Journal == nil {
		opts.Journal = NoopJournal{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		remote:      opts.Remote,
		records:     opts.Records,
		journal:     opts.Journal,
		invalidator: opts.Invalidator,
		owner:       opts.Owner,
		logger:      logging.OrDiscard(opts.Logger).With("owner", opts.Owner),
		now:         opts.Now,
		entries:     map[string]*tracked{},
		confirmed:   map[string]string{},
		listeners:   map[int]Listener{},
	}, nil
}

// Restore loads journaled entries. Entries that were pending when their
// process stopped come back as failed so they can be retried.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	stored, err := t.journal.Load(ctx, t.owner)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}

	restored := make([]Entry, 0, len(stored))
	t.mu.Lock()
	for _, entry := range stored {
		if _, exists := t.entries[entry.LocalID]; exists {
			continue
		}
		if entry.State == StatePending {
			entry.State = StateError
			entry.LastError = InterruptedError
			entry.UpdatedAt = t.now()
		}
		t.seq++
		t.entries[entry.LocalID] = &tracked{entry: entry, attempt: uint64(entry.Attempts), seq: t.seq}
		restored = append(restored, entry)
	}
	t.mu.Unlock()

	for _, entry := range restored {
		t.persist(ctx, entry)
		t.notify(entry)
	}
	return len(restored), nil
}

// Submit validates req, shows it as a pending entry and performs the call.
// A displayed record that has not ended is rejected before any entry exists.
// Otherwise the returned entry is settled unless the error is a validation
// or staleness error.
func (t *Tracker) Submit(ctx context.Context, req Request) (Entry, error) {
	req, err := normalize(req)
	if err != nil {
		return Entry{}, err
	}
	ended := !gated(req.Kind) || t.records == nil
	if req.Record != nil && gated(req.Kind) {
		if !req.Record.Ended() {
			return Entry{}, ErrNotEnded
		}
		ended = true
	}

	now := t.now()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Entry{}, ErrClosed
	}
	t.seq++
	current := &tracked{
		entry: Entry{
			LocalID:        uuid.NewString(),
			TargetRecordID: req.Target,
			Kind:           req.Kind,
			Payload: Payload{
				Note:       req.Note,
				WebhookURL: req.WebhookURL,
				Status:     t.requestedStatusLocked(req),
				Author:     req.Author,
				Role:       req.Role,
			},
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
			Attempts:  1,
		},
		attempt: 1,
		seq:     t.seq,
		ended:   ended,
	}
	t.entries[current.entry.LocalID] = current
	pending := current.entry
	t.mu.Unlock()

	t.persist(ctx, pending)
	t.notify(pending)
	return t.perform(ctx, pending, 1)
}

// MarkResolved sends the reporter's closing reply.
func (t *Tracker) MarkResolved(ctx context.Context, target, author string) (Entry, error) {
	return t.Submit(ctx, Request{
		Target: target,
		Kind:   KindThreadReply,
		Role:   RoleReporter,
		Author: author,
		Note:   ResolvedNote,
		Status: StatusClosed,
	})
}

// SetInProgress moves a thread to in_progress without a message.
func (t *Tracker) SetInProgress(ctx context.Context, target, author string) (Entry, error) {
	return t.Submit(ctx, Request{
		Target: target,
		Kind:   KindStatusChange,
		Author: author,
		Status: StatusInProgress,
	})
}

// Retry moves a failed entry back to pending and repeats its call. The entry
// keeps its LocalID.
func (t *Tracker) Retry(ctx context.Context, localID string) (Entry, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Entry{}, ErrClosed
	}
	current, ok := t.entries[localID]
	if !ok {
		t.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	if current.entry.State != StateError {
		entry := current.entry
		t.mu.Unlock()
		return entry, ErrNotRetryable
	}
	current.attempt++
	current.entry.State = StatePending
	current.entry.Attempts++
	current.entry.LastError = ""
	current.entry.UpdatedAt = t.now()
	pending := current.entry
	attempt := current.attempt
	t.mu.Unlock()

	t.persist(ctx, pending)
	t.notify(pending)
	return t.perform(ctx, pending, attempt)
}

// Dismiss forgets every entry for target, as when its dialog closes, and
// invalidates the cached pages that may show the record.
func (t *Tracker) Dismiss(ctx context.Context, target string) int {
	t.mu.Lock()
	dropped := make([]string, 0)
	for id, current := range t.entries {
		if current.entry.TargetRecordID == target {
			delete(t.entries, id)
			dropped = append(dropped, id)
		}
	}
	delete(t.confirmed, target)
	t.mu.Unlock()

	for _, id := range dropped {
		if err := t.journal.Delete(ctx, t.owner, id); err != nil {
			t.logger.Warn("journal delete failed", "local_id", id, "error", err)
		}
	}
	if t.invalidator != nil {
		t.invalidator.InvalidateRecord(target)
	}
	return len(dropped)
}

// Entries lists the entries for target in creation order. An empty target
// lists every entry.
func (t *Tracker) Entries(target string) []Entry {
	t.mu.Lock()
	selected := make([]tracked, 0, len(t.entries))
	for _, current := range t.entries {
		if target == "" || current.entry.TargetRecordID == target {
			selected = append(selected, *current)
		}
	}
	t.mu.Unlock()

	sort.Slice(selected, func(i, k int) bool { return selected[i].seq < selected[k].seq })
	out := make([]Entry, 0, len(selected))
	for _, current := range selected {
		out = append(out, current.entry)
	}
	return out
}

func (t *Tracker) Entry(localID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[localID]
	if !ok {
		return Entry{}, false
	}
	return current.entry, true
}

// Thread merges this session's entries for target over the authoritative
// thread, which may be nil when no report exists yet.
func (t *Tracker) Thread(target string, authoritative *logsapi.ReportedError) Thread {
	entries := t.Entries(target)
	t.mu.Lock()
	confirmed := t.confirmed[target]
	t.mu.Unlock()
	return Merge(authoritative, entries, confirmed)
}

func (t *Tracker) Subscribe(listener Listener) func() {
	t.listenerMu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = listener
	t.listenerMu.Unlock()

	return func() {
		t.listenerMu.Lock()
		delete(t.listeners, id)
		t.listenerMu.Unlock()
	}
}

// Close stops settling results. Journaled entries stay in the journal.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.listenerMu.Lock()
	t.listeners = map[int]Listener{}
	t.listenerMu.Unlock()
}

func gated(kind Kind) bool {
	return kind == KindWebhookRetry || kind == KindReportError
}

// checkEnded asks the record source whether the target has ended, unless
// that is already known for this entry.
func (t *Tracker) checkEnded(ctx context.Context, pending Entry, attempt uint64) error {
	t.mu.Lock()
	current, ok := t.entries[pending.LocalID]
	known := !ok || current.ended
	t.mu.Unlock()
	if known || t.records == nil {
		return nil
	}

	record, err := t.records.FindRecord(ctx, pending.TargetRecordID)
	if err != nil {
		return fmt.Errorf("resolve record: %w", err)
	}
	if !record.Ended() {
		return ErrNotEnded
	}

	t.mu.Lock()
	if current, ok := t.entries[pending.LocalID]; ok && current.attempt == attempt {
		current.ended = true
	}
	t.mu.Unlock()
	return nil
}

// requestedStatusLocked decides which thread status a request asks for. A
// plain reporter reply reopens a closed thread; nothing else is inferred.
func (t *Tracker) requestedStatusLocked(req Request) string {
	switch req.Kind {
	case KindReportError:
		return StatusOpen
	case KindStatusChange:
		return req.Status
	case KindThreadReply:
		if req.Role == RoleDeveloper || req.Status != "" {
			return req.Status
		}
		known := req.KnownStatus
		if known == "" {
			known = t.confirmed[req.Target]
		}
		if known == StatusClosed {
			return StatusOpen
		}
	}
	return ""
}

func (t *Tracker) call(ctx context.Context, entry Entry) error {
	target := entry.TargetRecordID
	payload := entry.Payload
	switch entry.Kind {
	case KindWebhookRetry:
		return t.remote.RetryWebhook(ctx, target, payload.WebhookURL)
	case KindReportError:
		return t.remote.ReportError(ctx, target, payload.Note)
	case KindThreadReply, KindStatusChange:
		return t.remote.UpdateError(ctx, target, payload.Note, payload.Status)
	default:
		return fmt.Errorf("unknown mutation kind %q", entry.Kind)
	}
}

func (t *Tracker) perform(ctx context.Context, pending Entry, attempt uint64) (Entry, error) {
	callErr := t.checkEnded(ctx, pending, attempt)
	if callErr == nil {
		callErr = t.call(ctx, pending)
	}

	t.mu.Lock()
	current, ok := t.entries[pending.LocalID]
	if t.closed || !ok || current.attempt != attempt {
		t.mu.Unlock()
		t.logger.Debug("dropping late mutation result",
			"local_id", pending.LocalID,
			"kind", pending.Kind,
			"attempt", attempt,
		)
		return pending, ErrStale
	}
	current.entry.UpdatedAt = t.now()
	if callErr != nil {
		current.entry.State = StateError
		current.entry.LastError = callErr.Error()
	} else {
		current.entry.State = StateSuccess
		current.entry.LastError = ""
		if current.entry.Kind.AffectsThread() && current.entry.Payload.Status != "" {
			t.confirmed[current.entry.TargetRecordID] = current.entry.Payload.Status
		}
	}
	settled := current.entry
	t.mu.Unlock()

	if callErr != nil {
		t.logger.Warn("mutation failed",
			"local_id", settled.LocalID,
			"kind", settled.Kind,
			"target", settled.TargetRecordID,
			"attempts", settled.Attempts,
			"error", callErr,
		)
		t.persist(ctx, settled)
		t.notify(settled)
		return settled, fmt.Errorf("%s %s: %w", settled.Kind, settled.TargetRecordID, callErr)
	}

	if err := t.journal.Delete(context.WithoutCancel(ctx), t.owner, settled.LocalID); err != nil {
		t.logger.Warn("journal delete failed", "local_id", settled.LocalID, "error", err)
	}
	if t.invalidator != nil {
		t.invalidator.InvalidateRecord(settled.TargetRecordID)
	}
	t.notify(settled)
	return settled, nil
}

func (t *Tracker) persist(ctx context.Context, entry Entry) {
	if err := t.journal.Save(context.WithoutCancel(ctx), t.owner, entry); err != nil {
		t.logger.Warn("journal save failed", "local_id", entry.LocalID, "error", err)
	}
}

func (t *Tracker) notify(entry Entry) {
	t.listenerMu.Lock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, listener := range t.listeners {
		listeners = append(listeners, listener)
	}
	t.listenerMu.Unlock()

	for _, listener := range listeners {
		listener(entry)
	}
}
