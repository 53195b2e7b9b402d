package query

import (
	"strings"

	"github.com/google/uuid"
)

// Option maps a filter's display label to the value sent to the backend and the
// short token carried in URLs.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Token string `json:"token"`
}

var Platforms = []Option{
	{Label: "Zoom", Value: "zoom.us", Token: "zoom"},
	{Label: "Google Meet", Value: "meet.google.com", Token: "meet"},
	{Label: "Teams", Value: "teams.microsoft.com,teams.live.com", Token: "teams"},
}

var Statuses = []Option{
	{Label: "Success", Value: "success", Token: "success"},
	{Label: "Error", Value: "error", Token: "error"},
	{Label: "Pending", Value: "pending", Token: "pending"},
	{Label: "Warning", Value: "warning", Token: "warning"},
}

var ReportedErrorStatuses = []Option{
	{Label: "Open", Value: `{"status":"open"}`, Token: "open"},
	{Label: "Closed", Value: `{"status":"closed"}`, Token: "closed"},
	{Label: "In Progress", Value: `{"status":"in_progress"}`, Token: "in_progress"},
}

func valuesForTokens(table []Option, tokens []string) []string {
	values := make([]string, 0, len(tokens))
	for _, token := range tokens {
		for _, option := range table {
			if option.Token == token {
				values = append(values, option.Value)
				break
			}
		}
	}
	return canonicalValues(table, values)
}

func tokensForValues(table []Option, values []string) []string {
	canonical := canonicalValues(table, values)
	tokens := make([]string, 0, len(canonical))
	for _, value := range canonical {
		for _, option := range table {
			if option.Value == value {
				tokens = append(tokens, option.Token)
				break
			}
		}
	}
	return tokens
}

func canonicalValues(table []Option, values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	present := make(map[string]struct{}, len(values))
	for _, value := range values {
		present[value] = struct{}{}
	}
	out := make([]string, 0, len(values))
	for _, option := range table {
		if _, ok := present[option.Value]; ok {
			out = append(out, option.Value)
		}
	}
	return out
}

// ParseFilterTokens resolves URL tokens for one facet ("platform", "status" or
// "reportedErrorStatus"); unknown tokens are dropped.
func ParseFilterTokens(facet string, tokens []string) []string {
	switch facet {
	case "platform":
		return valuesForTokens(Platforms, tokens)
	case "status":
		return valuesForTokens(Statuses, tokens)
	case "reportedErrorStatus":
		return valuesForTokens(ReportedErrorStatuses, tokens)
	default:
		return []string{}
	}
}

// NormalizeID returns the canonical lowercase form of a record UUID.
func NormalizeID(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != 36 {
		return "", false
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
