package logsapi

import "strings"

// Reported error thread statuses.
const (
	ThreadOpen       = "open"
	ThreadInProgress = "in_progress"
	ThreadClosed     = "closed"
)

type Bot struct {
	ID                int64          `json:"id"`
	AccountID         int64          `json:"account_id"`
	UUID              string         `json:"uuid"`
	MeetingURL        string         `json:"meeting_url"`
	CreatedAt         Timestamp      `json:"created_at"`
	SessionID         *string        `json:"session_id"`
	Reserved          bool           `json:"reserved"`
	Errors            *string        `json:"errors"`
	EndedAt           *Timestamp     `json:"ended_at"`
	UserReportedError *ReportedError `json:"user_reported_error,omitempty"`
}

type Params struct {
	WebhookURL *string `json:"webhook_url"`
	Extra      *string `json:"extra"`
	BotName    *string `json:"bot_name"`
}

// Record is one row of the logs list.
type Record struct {
	Bot      Bot     `json:"bot"`
	Params   Params  `json:"params"`
	Duration float64 `json:"duration"`
}

type ReportedError struct {
	Status   string            `json:"status"`
	ChatID   string            `json:"chat_id,omitempty"`
	Messages []ReportedMessage `json:"messages"`
}

type ReportedMessage struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Note      string    `json:"note"`
	CreatedAt Timestamp `json:"created_at"`
}

// Page is one response of the paginated list endpoint.
type Page struct {
	HasMore bool     `json:"has_more"`
	Records []Record `json:"bots"`
}

type Screenshot struct {
	URL  string    `json:"url"`
	Date Timestamp `json:"date"`
}

// ArtifactKind names a per-bot log artifact.
type ArtifactKind string

const (
	ArtifactDebugLogs      ArtifactKind = "logs"
	ArtifactSoundLogs      ArtifactKind = "sound_logs"
	ArtifactMachineMetrics ArtifactKind = "machine_logs"
)

func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactDebugLogs, ArtifactSoundLogs, ArtifactMachineMetrics:
		return true
	default:
		return false
	}
}

// Ended reports whether the bot has finished. Only ended bots accept webhook
// retries and error reports.
func (r Record) Ended() bool {
	return r.Bot.EndedAt != nil && !r.Bot.EndedAt.IsZero()
}

func (r Record) WebhookURL() string {
	if r.Params.WebhookURL == nil {
		return ""
	}
	return *r.Params.WebhookURL
}

func (r Record) Platform() string {
	url := r.Bot.MeetingURL
	switch {
	case strings.Contains(url, "zoom.us"):
		return "zoom"
	case strings.Contains(url, "teams.microsoft.com"), strings.Contains(url, "teams.live.com"):
		return "teams"
	case strings.Contains(url, "meet.google.com"):
		return "google meet"
	default:
		return "unknown"
	}
}

// HasRecord reports whether uuid appears on the page.
func (p Page) HasRecord(uuid string) bool {
	for _, record := range p.Records {
		if record.Bot.UUID == uuid {
			return true
		}
	}
	return false
}

// DisplayNote hides the generated report prefix, leaving only the reporter's
// own context.
func DisplayNote(note string) string {
	if !strings.HasPrefix(note, ReportNotePrefix) {
		return note
	}
	rest := strings.TrimPrefix(note, ReportNotePrefix)
	return strings.TrimPrefix(strings.TrimSpace(rest), "Additional context: ")
}
