package models

import "time"

// Status event constants.
const (
	StatusEventAttempt     = "attempt"
	StatusEventSent        = "sent"
	StatusEventRateLimited = "rate_limited"
	StatusEventFailed      = "failed"
)

// ProviderResponse captures normalized adapter responses.
type ProviderResponse struct {
	Status  string            `json:"status"`
	Code    *int              `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Raw     string            `json:"raw,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// ProviderID returns the provider-assigned message identifier, if any.
func (r *ProviderResponse) ProviderID() string {
	if r == nil || r.Meta == nil {
		return ""
	}
	return r.Meta["provider_id"]
}

// StatusEvent represents a per-recipient lifecycle event exported while a run
// progresses.
type StatusEvent struct {
	MessageID        string            `json:"message_id"`
	RunKey           string            `json:"run_key"`
	SessionID        int64             `json:"session_id"`
	Channel          string            `json:"channel"`
	RecipientID      int64             `json:"recipient_id"`
	Address          string            `json:"address"`
	EventType        string            `json:"event_type"`
	Attempt          int               `json:"attempt,omitempty"`
	RetryInMs        int64             `json:"retry_in_ms,omitempty"`
	ProviderResponse *ProviderResponse `json:"provider_response,omitempty"`
	Error            string            `json:"error,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}
