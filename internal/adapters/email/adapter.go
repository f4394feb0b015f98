// Package email adapts the email providers to the dispatch transport
// contract and classifies their failures.
package email

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"reflect"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	"github.com/zigazaga4/emailer/internal/models"
	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
)

var smtpErrPattern = regexp.MustCompile(`smtp\s+(\d{3})`)

// Provider status values reported in ProviderResponse.Status.
const (
	StatusOK          = "ok"
	StatusRejected    = "rejected"
	StatusRateLimited = "rate_limited"
	StatusRetryable   = "retryable"
	StatusUnknown     = "unknown"
)

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from the
// provider raw response.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// Adapter turns rendered messages into provider payloads.
type Adapter struct {
	logger      zerolog.Logger
	provider    emailprovider.Provider
	maxRawChars int
}

// NewAdapter constructs an email adapter over provider.
func NewAdapter(provider emailprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("email adapter: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	a := &Adapter{
		logger:      logger.With().Str("provider", provider.Name()).Logger(),
		provider:    provider,
		maxRawChars: common.DefaultRawBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Send delivers msg. Failures come back as *common.ProviderError, marked
// permanent or transient when the provider's answer is conclusive.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) (*common.ProviderResponse, error) {
	if msg == nil {
		return nil, common.WrapPermanent(errors.New("email adapter: message is nil"))
	}
	if msg.To == "" {
		return nil, common.WrapPermanent(errors.New("email adapter: recipient address is empty"))
	}

	raw, err := a.provider.Send(ctx, buildPayload(msg))
	if err != nil {
		status, code, classified := a.classify(err, raw)
		resp := a.response(raw, status, err.Error(), code)
		a.logger.Info().
			Str("message_id", msg.MessageID).
			Str("provider_status", status).
			Str("provider_id", resp.ProviderID()).
			Err(err).
			Msg("email adapter send failed")
		return resp, classified
	}

	resp := a.response(raw, StatusOK, "sent", 0)
	a.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("provider_id", resp.ProviderID()).
		Msg("email adapter send succeeded")
	return resp, nil
}

func buildPayload(msg *models.Message) *emailprovider.Payload {
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return &emailprovider.Payload{
		MessageID:   msg.MessageID,
		From:        msg.From,
		FromName:    msg.FromName,
		To:          []string{msg.To},
		CC:          append([]string(nil), msg.CC...),
		BCC:         append([]string(nil), msg.BCC...),
		Subject:     msg.Subject,
		BodyType:    msg.BodyType,
		Body:        msg.Body,
		Attachments: msg.Attachments,
		Headers:     headers,
	}
}

func (a *Adapter) response(raw *emailprovider.RawResponse, status, message string, code int) *common.ProviderResponse {
	meta := make(map[string]string)
	if raw != nil {
		if raw.ID != "" {
			meta["provider_id"] = raw.ID
		}
		if !raw.Timestamp.IsZero() {
			meta["provider_timestamp"] = raw.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		if code == 0 {
			code = raw.Code
		}
	}
	if len(meta) == 0 {
		meta = nil
	}

	resp := &common.ProviderResponse{
		Status:  status,
		Code:    common.IntPtr(code),
		Message: message,
		Meta:    meta,
	}
	if raw != nil && raw.Body != "" {
		resp.Raw = common.TruncateRaw(raw.Body, a.maxRawChars)
	}
	return resp
}

// classify wraps err in a ProviderError and marks it when the answer is
// conclusive: HTTP 429 and 5xx or SMTP 4xx are transient, other HTTP 4xx and
// SMTP 5xx are permanent, network failures are transient. Anything else is
// left for the retry policy to judge.
func (a *Adapter) classify(err error, raw *emailprovider.RawResponse) (string, int, error) {
	pe := &common.ProviderError{Provider: a.provider.Name(), Err: err}

	var httpErr *emailprovider.HTTPError
	if errors.As(err, &httpErr) {
		pe.HTTPStatus = httpErr.StatusCode
		pe.Code = httpErr.Code
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return StatusRateLimited, httpErr.StatusCode, common.WrapTransient(pe)
		case httpErr.StatusCode >= 500:
			return StatusRetryable, httpErr.StatusCode, common.WrapTransient(pe)
		case httpErr.StatusCode >= 400:
			return StatusRejected, httpErr.StatusCode, common.WrapPermanent(pe)
		}
		return StatusUnknown, httpErr.StatusCode, pe
	}

	if code, ok := smtpCode(err, raw); ok {
		pe.Code = strconv.Itoa(code)
		switch {
		case code >= 500:
			return StatusRejected, code, common.WrapPermanent(pe)
		case code == 421 || code == 450 || code == 451 || code == 452:
			return StatusRateLimited, code, common.WrapTransient(pe)
		case code >= 400:
			return StatusRetryable, code, common.WrapTransient(pe)
		}
	}

	if errors.Is(err, context.Canceled) {
		return StatusUnknown, 0, pe
	}
	if isNetworkError(err) {
		return StatusRetryable, 0, common.WrapTransient(pe)
	}
	return StatusUnknown, 0, pe
}

func smtpCode(err error, raw *emailprovider.RawResponse) (int, bool) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, true
	}
	if matches := smtpErrPattern.FindStringSubmatch(err.Error()); len(matches) == 2 {
		if code, convErr := strconv.Atoi(matches[1]); convErr == nil {
			return code, true
		}
	}
	if raw != nil && raw.Code >= 400 && raw.Code < 600 {
		return raw.Code, true
	}
	return 0, false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
