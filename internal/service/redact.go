package service

import (
	"net/http"
	"regexp"
)

const (
	redacted    = "[REDACTED]"
	maxLogBytes = 1024
)

// secretFieldPattern matches credential values in query strings, form bodies,
// JSON bodies and URLs embedded in error messages.
var secretFieldPattern = regexp.MustCompile(`(?i)("?(?:api_?key|password|client_secret|access_token)"?\s*[=:]\s*"?)[^&",}\r\n]+`)

// redactText masks credential values in s.
func redactText(s string) string {
	return secretFieldPattern.ReplaceAllString(s, "${1}"+redacted)
}

// redactHeader returns a copy of h with credential-bearing headers masked.
func redactHeader(h http.Header) http.Header {
	dst := h.Clone()
	for _, k := range []string{"Authorization", "Proxy-Authorization", "Cookie"} {
		if dst.Get(k) != "" {
			dst.Set(k, redacted)
		}
	}
	return dst
}

// logBody redacts and truncates a body for debug logs.
func logBody(s string) string {
	s = redactText(s)
	if len(s) > maxLogBytes {
		return s[:maxLogBytes] + "...(truncated)"
	}
	return s
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return redactText(err.Error())
}
