package logsapi

import (
	"regexp"
	"strconv"
	"strings"
)

type StatusType string

const (
	StatusSuccess StatusType = "success"
	StatusError   StatusType = "error"
	StatusPending StatusType = "pending"
	StatusWarning StatusType = "warning"
)

type Status struct {
	Text    string     `json:"text"`
	Type    StatusType `json:"type"`
	Details string     `json:"details,omitempty"`
}

type errorPattern struct {
	match string
	text  string
}

var meetingErrors = []errorPattern{
	{match: "CannotJoinMeeting", text: "Cannot Join Meeting"},
	{match: "cannot join meeting", text: "Cannot Join Meeting"},
	{match: "TimeoutWaitingToStart", text: "Meeting Start Timeout"},
	{match: "BotNotAccepted", text: "Bot Not Accepted"},
	{match: "InvalidMeetingUrl", text: "Invalid Meeting URL"},
	{match: "InternalError", text: "Internal Error"},
	{match: "AlreadyStarted", text: "Meeting Already Started"},
}

var webhookErrors = []errorPattern{
	{match: "error sending webhook", text: "Webhook Error"},
	{match: "webhook status: error", text: "Webhook Error"},
	{match: "builder error", text: "Webhook Config Error"},
	{match: "error sending request", text: "Webhook Connection Error"},
}

var httpStatusText = map[string]string{
	"400": "Bad Request",
	"401": "Unauthorized",
	"403": "Forbidden",
	"404": "Not Found",
	"405": "Method Not Allowed",
	"408": "Request Timeout",
	"429": "Too Many Requests",
	"500": "Internal Server Error",
	"502": "Bad Gateway",
	"503": "Service Unavailable",
	"504": "Gateway Timeout",
}

var statusCodePattern = regexp.MustCompile(`Status: (\d{3})`)

// Status derives the display status of a record.
func (r Record) Status() Status {
	if r.Bot.Errors != nil && *r.Bot.Errors != "" {
		status := ReadableError(*r.Bot.Errors)
		status.Details = *r.Bot.Errors
		return status
	}
	if r.Ended() {
		return Status{Text: "Completed", Type: StatusSuccess}
	}
	if r.Duration > 0 {
		return Status{Text: "In Progress", Type: StatusSuccess}
	}
	return Status{Text: "Pending", Type: StatusPending}
}

// ReadableError classifies a raw bot error string. Internal errors come first,
// then webhook failures, HTTP status codes and meeting errors. Anything else
// is shown verbatim as a warning.
func ReadableError(raw string) Status {
	if strings.Contains(raw, "InternalError") {
		return Status{Text: "Internal Error", Type: StatusError}
	}

	lower := strings.ToLower(raw)
	for _, pattern := range webhookErrors {
		if strings.Contains(lower, strings.ToLower(pattern.match)) {
			return Status{Text: pattern.text, Type: StatusWarning}
		}
	}

	if match := statusCodePattern.FindStringSubmatch(raw); match != nil {
		if text, ok := httpStatusText[match[1]]; ok {
			code, _ := strconv.Atoi(match[1])
			statusType := StatusWarning
			if code >= 500 {
				statusType = StatusError
			}
			return Status{Text: "HTTP " + match[1] + ": " + text, Type: statusType}
		}
	}

	for _, pattern := range meetingErrors {
		if strings.Contains(lower, strings.ToLower(pattern.match)) {
			return Status{Text: pattern.text, Type: StatusError}
		}
	}

	return Status{Text: raw, Type: StatusWarning}
}
