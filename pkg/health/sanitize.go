package health

import (
	"regexp"
)

var (
	urlRegex        = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{1,5})?\b`)
	hostPortRegex   = regexp.MustCompile(`\b[a-zA-Z0-9.-]+:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|apikey|api_key)\s*[:=]\s*[^,\s}]+`)
)

// sanitizeErrorMessage removes addresses and credentials from messages that
// leave the process through the health endpoint.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = hostPortRegex.ReplaceAllString(msg, "[ADDR]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
