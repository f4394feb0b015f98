package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zigazaga4/emailer/internal/models"
)

// Payload is the canonical representation of an outbound email passed to the
// provider. Adapters are expected to normalize their inputs to this structure.
type Payload struct {
	MessageID   string
	From        string
	FromName    string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	BodyType    string
	Body        string
	Attachments []models.Attachment
	Headers     map[string]string
}

// RawResponse mirrors the low level provider response that adapters inspect to
// derive higher level ProviderResponse values. Code is the SMTP reply code or
// the HTTP status depending on the backend.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

// Provider is the contract exposed by the email provider implementations.
type Provider interface {
	Name() string
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}

// HTTPClient abstracts http.Client for the API backed providers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource hands out OAuth access tokens. Invalidate drops a token the
// server has rejected so the next call refreshes it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
}

// HTTPError is returned by API backed providers when the server rejects a
// request.
type HTTPError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s provider: http %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}
