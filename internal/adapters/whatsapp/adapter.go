// Package whatsapp adapts the WhatsApp providers to the dispatch transport
// contract.
package whatsapp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	"github.com/zigazaga4/emailer/internal/models"
	waprovider "github.com/zigazaga4/emailer/internal/providers/whatsapp"
)

// Provider status values reported in ProviderResponse.Status.
const (
	StatusOK          = "ok"
	StatusRejected    = "rejected"
	StatusRateLimited = "rate_limited"
	StatusRetryable   = "retryable"
	StatusUnknown     = "unknown"
)

// Twilio error codes with a known outcome.
var (
	permanentCodes = map[int]struct{}{21610: {}, 21612: {}, 21614: {}, 21211: {}}
	transientCodes = map[int]struct{}{63018: {}, 63016: {}, 63015: {}, 63002: {}, 30001: {}, 30003: {}}
)

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from the provider body.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// Adapter implements common.Adapter for WhatsApp messages.
type Adapter struct {
	logger      zerolog.Logger
	provider    waprovider.Provider
	maxRawChars int
}

// NewAdapter constructs a WhatsApp adapter.
func NewAdapter(provider waprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("whatsapp adapter: provider dependency is required")
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

// Send converts msg into a provider payload and delegates to the provider.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) (*common.ProviderResponse, error) {
	if msg == nil {
		return nil, common.WrapPermanent(errors.New("whatsapp adapter: message is nil"))
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, common.WrapPermanent(errors.New("whatsapp adapter: recipient number is empty"))
	}

	raw, err := a.provider.Send(ctx, buildPayload(msg))
	if err != nil {
		status, classified := a.classify(err, raw)
		resp := a.response(raw, status, err.Error())
		a.logger.Info().
			Str("message_id", msg.MessageID).
			Str("provider_status", resp.Status).
			Str("provider_id", resp.ProviderID()).
			Err(err).
			Msg("whatsapp adapter send failed")
		return resp, classified
	}

	resp := a.response(raw, StatusOK, "sent")
	a.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("provider_id", resp.ProviderID()).
		Msg("whatsapp adapter send succeeded")
	return resp, nil
}

func buildPayload(msg *models.Message) *waprovider.Payload {
	payload := &waprovider.Payload{
		MessageID:      msg.MessageID,
		From:           msg.From,
		To:             msg.To,
		ContentSID:     msg.ContentSID,
		StatusCallback: msg.StatusCallback,
	}
	if msg.BodyType == models.BodyTypeMedia {
		payload.MediaURL = strings.TrimSpace(msg.Body)
	} else {
		payload.Body = msg.Body
	}
	if len(msg.ContentVariables) > 0 {
		payload.ContentVariables = make(map[string]string, len(msg.ContentVariables))
		for k, v := range msg.ContentVariables {
			payload.ContentVariables[k] = v
		}
	}
	if len(msg.Headers) > 0 {
		payload.Meta = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			if strings.TrimSpace(v) != "" {
				payload.Meta[k] = v
			}
		}
	}
	return payload
}

func (a *Adapter) response(raw *waprovider.RawResponse, status, message string) *common.ProviderResponse {
	meta := make(map[string]string)
	resp := &common.ProviderResponse{Status: status, Message: message}
	if raw != nil {
		if raw.ID != "" {
			meta["provider_id"] = raw.ID
		}
		if raw.Status != "" {
			meta["provider_status"] = raw.Status
		}
		if !raw.Timestamp.IsZero() {
			meta["provider_timestamp"] = raw.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		resp.Code = common.IntPtr(raw.Code)
		if strings.TrimSpace(raw.Body) != "" {
			resp.Raw = common.TruncateRaw(raw.Body, a.maxRawChars)
		}
	}
	if len(meta) > 0 {
		resp.Meta = meta
	}
	return resp
}

// classify marks err from the Twilio error code first and the HTTP status
// second. Network failures are transient; anything else is left unmarked.
func (a *Adapter) classify(err error, raw *waprovider.RawResponse) (string, error) {
	pe := &common.ProviderError{Provider: a.provider.Name(), Err: err}

	var apiErr *waprovider.APIError
	if errors.As(err, &apiErr) {
		pe.HTTPStatus = apiErr.StatusCode
		if apiErr.Code != 0 {
			pe.Code = strconv.Itoa(apiErr.Code)
		}
		if _, ok := permanentCodes[apiErr.Code]; ok {
			return StatusRejected, common.WrapPermanent(pe)
		}
		if _, ok := transientCodes[apiErr.Code]; ok {
			return StatusRateLimited, common.WrapTransient(pe)
		}
		switch status := apiErr.StatusCode; {
		case status == http.StatusTooManyRequests:
			return StatusRateLimited, common.WrapTransient(pe)
		case status >= 500:
			return StatusRetryable, common.WrapTransient(pe)
		case status >= 400:
			return StatusRejected, common.WrapPermanent(pe)
		}
		return StatusUnknown, pe
	}

	if raw != nil && raw.Code >= 400 {
		pe.HTTPStatus = raw.Code
	}
	if errors.Is(err, context.Canceled) {
		return StatusUnknown, pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusRetryable, common.WrapTransient(pe)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return StatusRetryable, common.WrapTransient(pe)
	}
	return StatusUnknown, pe
}
