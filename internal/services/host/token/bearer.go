package token

import "strings"

// ParseBearer extracts the credential from a "Bearer <token>" header value.
// The scheme is case-insensitive.
func ParseBearer(value string) (string, bool) {
	scheme, raw, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}
