package mutation

import (
	"errors"
	"time"

	"botlogs/services/console/internal/logsapi"
)

type Kind string

const (
	KindWebhookRetry Kind = "webhook_retry"
	KindReportError  Kind = "report_error"
	KindThreadReply  Kind = "thread_reply"
	KindStatusChange Kind = "status_change"
)

// AffectsThread reports whether a successful mutation of this kind can change
// the record's reported-error thread.
func (k Kind) AffectsThread() bool {
	return k == KindReportError || k == KindThreadReply || k == KindStatusChange
}

type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateError   State = "error"
)

type Role string

const (
	RoleReporter  Role = "reporter"
	RoleDeveloper Role = "developer"
)

// Thread statuses accepted by the update endpoint.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// ResolvedNote is the reply sent when the reporter marks their error resolved.
const ResolvedNote = "User has marked this error as resolved"

// InterruptedError is recorded on entries that were still pending when the
// process that owned them stopped.
const InterruptedError = "interrupted before the request completed"

var (
	ErrNotFound     = errors.New("mutation entry not found")
	ErrNotRetryable = errors.New("only failed entries can be retried")
	ErrNotEnded     = errors.New("record has not ended")
	ErrClosed       = errors.New("tracker closed")
)

// Payload is what was sent for an entry. Status is the thread status the
// mutation requests, empty when it leaves the status alone.
type Payload struct {
	Note       string `json:"note,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	Status     string `json:"status,omitempty"`
	Author     string `json:"author,omitempty"`
	Role       Role   `json:"role,omitempty"`
}

// Entry is one optimistic mutation as the session sees it. LocalID is stable
// across retries.
type Entry struct {
	LocalID        string    `json:"localId"`
	TargetRecordID string    `json:"targetRecordId"`
	Kind           Kind      `json:"kind"`
	Payload        Payload   `json:"payload"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
}

// Request describes a mutation to submit. KnownStatus is the thread status the
// caller is looking at; it only matters for the reopen rule. Record is the
// target as the caller last displayed it, nil when it is not on screen.
type Request struct {
	Target      string
	Kind        Kind
	Role        Role
	Author      string
	Note        string
	WebhookURL  string
	Status      string
	KnownStatus string
	Record      *logsapi.Record
}
