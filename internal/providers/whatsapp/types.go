package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const whatsappPrefix = "whatsapp:"

// Payload is one outbound WhatsApp message to a single number. A non-empty
// ContentSID selects a pre-approved template; otherwise Body (or MediaURL)
// is sent as a free-form message.
type Payload struct {
	MessageID        string
	From             string
	To               string
	Body             string
	MediaURL         string
	ContentSID       string
	ContentVariables map[string]string
	StatusCallback   string
	Meta             map[string]string
}

// RawResponse captures the low-level provider response for a WhatsApp send.
// ErrorCode and ErrorMessage are the delivery error reported on a fetched
// message, not an API failure.
type RawResponse struct {
	ID           string
	Code         int
	Status       string
	Body         string
	ErrorCode    int
	ErrorMessage string
	Timestamp    time.Time
}

// Provider represents an outbound WhatsApp provider.
type Provider interface {
	Name() string
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}

// StatusFetcher is implemented by providers that can look a message up after
// it was accepted.
type StatusFetcher interface {
	Fetch(ctx context.Context, sid string) (*RawResponse, error)
}

// APIError is a rejected API call. Code is the provider error code, zero when
// the response carried none.
type APIError struct {
	Provider   string
	StatusCode int
	Code       int
	Message    string
	MoreInfo   string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s provider: http %d", e.Provider, e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}
