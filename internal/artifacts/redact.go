package artifacts

import (
	"regexp"
	"strings"
)

var (
	logEmailRegex    = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w.-]+\.[a-z]{2,}\b`)
	logBearerRegex   = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}`)
	logHexTokenRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{32,}\b`)
	logSecretRegex   = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token|authorization|cookie)(["']?\s*[:=]\s*["']?)([^\s"',;&]+)`)
)

// Redact masks credentials and personal data in debug log text. Bot UUIDs
// stay readable.
func Redact(text string) string {
	if text == "" {
		return text
	}
	redacted := logBearerRegex.ReplaceAllString(text, "Bearer <token>")
	redacted = logSecretRegex.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := logSecretRegex.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + parts[2] + "<redacted>"
	})
	redacted = logEmailRegex.ReplaceAllString(redacted, "<email>")
	redacted = logHexTokenRegex.ReplaceAllString(redacted, "<token>")
	return strings.ToValidUTF8(redacted, "�")
}
