// Package identity holds the caller-identity redaction helper. API keys are
// opaque credentials and must never appear in full on any diagnostic surface;
// every log line, metric label, and response body renders them through Redact.
package identity

// prefixLen is the number of leading characters kept when redacting a key.
const prefixLen = 8

// Redact returns a fixed-length prefix of the key followed by "...". Keys
// shorter than the prefix are returned unchanged.
func Redact(key string) string {
	if len(key) <= prefixLen {
		return key
	}
	return key[:prefixLen] + "..."
}
