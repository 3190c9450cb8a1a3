// Package redact centralizes the secret-key filter spec.md §7 mandates:
// "Secrets are redacted from logs using a case-insensitive key filter
// (password, secret, token, key, authorization, credential)". Grounded on
// the teacher's pattern of centralizing cross-cutting concerns as small
// internal helper packages (internal/app/core/service).
package redact

import "strings"

// sensitiveSubstrings is matched case-insensitively against header/field
// names. A substring match (not exact) catches "X-Api-Key", "clientSecret",
// "Authorization", etc.
var sensitiveSubstrings = []string{
	"password", "secret", "token", "key", "authorization", "credential",
}

const masked = "***REDACTED***"

// IsSensitiveKey reports whether key should be redacted before logging.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range sensitiveSubstrings {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Headers returns a copy of headers with sensitive values replaced.
func Headers(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) {
			out[k] = masked
		} else {
			out[k] = v
		}
	}
	return out
}

// Map redacts sensitive values in an arbitrary string-keyed map, recursing
// into nested maps so a CUSTOM auth token response body doesn't leak a
// nested "access_token" field.
func Map(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if IsSensitiveKey(k) {
			out[k] = masked
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = Map(nested)
		default:
			out[k] = v
		}
	}
	return out
}
