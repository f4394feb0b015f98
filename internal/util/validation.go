// Package util holds the address and field checks shared by the validator
// and the contact store.
package util

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zigazaga4/emailer/internal/models"
)

var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidPhone      = errors.New("invalid e164 phone number")
	ErrInvalidURL        = errors.New("invalid url")
	ErrInvalidContentSID = errors.New("invalid content sid")
	ErrUnknownChannel    = errors.New("unknown channel")
)

var (
	e164Pattern       = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	contentSIDPattern = regexp.MustCompile(`^HX[0-9a-fA-F]{32}$`)
)

// NormalizeEmail accepts a bare address ("a@b.c", no display name) and
// returns it lowercased.
func NormalizeEmail(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	parsed, err := mail.ParseAddress(value)
	switch {
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	case parsed.Name != "", parsed.Address != value:
		return "", fmt.Errorf("%w: %q is not a bare address", ErrInvalidEmail, value)
	}
	return strings.ToLower(parsed.Address), nil
}

// NormalizeEmails normalizes a copy list, dropping case-insensitive
// duplicates. limit applies to the input length; zero means unbounded.
func NormalizeEmails(values []string, limit int) ([]string, error) {
	if limit > 0 && len(values) > limit {
		return nil, fmt.Errorf("too many addresses: %d, limit %d", len(values), limit)
	}
	var out []string
	seen := make(map[string]bool, len(values))
	for i, value := range values {
		addr, err := NormalizeEmail(value)
		if err != nil {
			return nil, fmt.Errorf("email[%d]: %w", i, err)
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

// NormalizeE164 reduces a phone number to E.164. A "whatsapp:" scheme,
// spaces and the usual separators are removed before matching.
func NormalizeE164(value string) (string, error) {
	value = strings.TrimSpace(value)
	if scheme, rest, ok := strings.Cut(value, ":"); ok && strings.EqualFold(scheme, "whatsapp") {
		value = rest
	}
	digits := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), strings.ContainsRune("-().", r):
			return -1
		}
		return r
	}, value)
	switch {
	case digits == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	case !e164Pattern.MatchString(digits):
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, digits)
	}
	return digits, nil
}

// NormalizeAddress applies the channel's address rule.
func NormalizeAddress(channel, value string) (string, error) {
	switch channel {
	case models.ChannelEmail:
		return NormalizeEmail(value)
	case models.ChannelWhatsApp:
		return NormalizeE164(value)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
}

// EnsureMaxRunes reports field as too long past limit characters. A zero
// limit disables the check.
func EnsureMaxRunes(field, value string, limit int) error {
	if n := utf8.RuneCountInString(value); limit > 0 && n > limit {
		return fmt.Errorf("%s is %d characters, limit %d", field, n, limit)
	}
	return nil
}

// EnsureMaxBytes is EnsureMaxRunes for sizes in bytes.
func EnsureMaxBytes(field string, size, limit int) error {
	if limit > 0 && size > limit {
		return fmt.Errorf("%s is %d bytes, limit %d", field, size, limit)
	}
	return nil
}

// ValidateHTTPURL requires an absolute http(s) URL with a host.
func ValidateHTTPURL(value string) (string, error) {
	value = strings.TrimSpace(value)
	u, err := url.Parse(value)
	switch {
	case value == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	case u.Scheme != "http" && u.Scheme != "https":
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	case u.Host == "":
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return value, nil
}

// ValidateContentSID checks a Twilio content template SID (HX + 32 hex).
func ValidateContentSID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !contentSIDPattern.MatchString(value) {
		return "", fmt.Errorf("%w: %q", ErrInvalidContentSID, value)
	}
	return value, nil
}
