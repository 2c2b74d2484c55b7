package events

import "strings"

// currencyCode upper-cases ISO and crypto currency codes.
func currencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// putIfSet adds key only for non-empty values.
func putIfSet(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}
