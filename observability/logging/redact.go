package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive attribute values.
const RedactedValue = "[REDACTED]"

// Keys that are never redacted even when they contain a sensitive marker.
var neverRedact = map[string]bool{
	"service":   true,
	"env":       true,
	"message":   true,
	"severity":  true,
	"timestamp": true,
	"error":     true,
	"reason":    true,
	"component": true,
}

// Substrings of attribute keys that always carry secrets.
var sensitiveMarkers = []string{"passphrase", "password", "private_key", "secret", "token", "dsn"}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	return neverRedact[strings.ToLower(strings.TrimSpace(key))]
}

// MaskField redacts value unless key is allowlisted or value is empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
