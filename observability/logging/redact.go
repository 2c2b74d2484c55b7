package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values such as payment account details,
// wallet address entries and passphrases.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim. Keys are stored lower case.
var plainKeys = func() map[string]bool {
	keys := []string{
		"service", "env", "message", "severity", "timestamp",
		"error", "reason", "component",
		"tradeId", "role", "state", "store", "peer", "txId",
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[strings.ToLower(k)] = true
	}
	return m
}()

// IsAllowlisted reports whether key may be logged without masking. Matching
// ignores case and surrounding space.
func IsAllowlisted(key string) bool {
	return plainKeys[strings.ToLower(strings.TrimSpace(key))]
}

// MaskValue hides any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, masking the value unless key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
