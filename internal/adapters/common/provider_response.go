package common

import (
	"unicode/utf8"

	"github.com/zigazaga4/emailer/internal/models"
)

// DefaultRawBodyLimit defines the maximum number of characters retained from a
// provider response body when attaching it to a ProviderResponse.
const DefaultRawBodyLimit = 1024

// ProviderResponse captures normalized provider information exchanged between
// adapters and the retry policy.
type ProviderResponse = models.ProviderResponse

// TruncateRaw trims the supplied string to the specified rune limit. If limit
// is zero or negative it returns an empty string.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}

// IntPtr returns a pointer to a copy of code, or nil for zero.
func IntPtr(code int) *int {
	if code == 0 {
		return nil
	}
	c := code
	return &c
}
