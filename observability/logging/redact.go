package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the placeholder emitted for sensitive fields.
const RedactedValue = "[REDACTED]"

// sensitiveKeys name attributes that carry bearer material: anyone reading a
// proof secret or an encoded token can spend it.
var sensitiveKeys = map[string]struct{}{
	"secret":     {},
	"secrets":    {},
	"token":      {},
	"proof":      {},
	"proofs":     {},
	"c":          {},
	"witness":    {},
	"preimage":   {},
	"nsec":       {},
	"passphrase": {},
	"jwt":        {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns the masked keys, sorted.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the placeholder for non-empty values. Empty values are
// returned unchanged.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute that never reveals value.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

// Fingerprint shortens an identifier for logs: enough to correlate lines,
// never the whole value.
func Fingerprint(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 8 {
		return MaskValue(value)
	}
	return value[:8] + "..."
}
