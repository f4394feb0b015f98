package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
)

const (
	twilioAPIBase     = "https://api.twilio.com/2010-04-01"
	twilioDefaultBody = 16 * 1024
)

// optionalParams maps the Meta keys forwarded to the Messages API onto their
// form names. Any other Meta key stays local.
var optionalParams = map[string]string{
	"validity_period":       "ValidityPeriod",
	"max_price":             "MaxPrice",
	"attempt":               "Attempt",
	"messaging_service_sid": "MessagingServiceSid",
	"schedule_type":         "ScheduleType",
	"send_at":               "SendAt",
	"shorten_urls":          "ShortenUrls",
	"provide_feedback":      "ProvideFeedback",
	"persistent_action":     "PersistentAction",
}

// HTTPClient is the subset of http.Client the provider uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TwilioOption customises the Twilio provider.
type TwilioOption func(*TwilioProvider)

// WithTwilioHTTPClient overrides the HTTP client.
func WithTwilioHTTPClient(client HTTPClient) TwilioOption {
	return func(p *TwilioProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithTwilioBaseURL points the provider at another API root, mainly for tests.
func WithTwilioBaseURL(baseURL string) TwilioOption {
	return func(p *TwilioProvider) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			p.baseURL = baseURL
		}
	}
}

// WithTwilioClock overrides the clock used for timestamps.
func WithTwilioClock(now func() time.Time) TwilioOption {
	return func(p *TwilioProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTwilioBodyLimit caps how much of a response body is read.
func WithTwilioBodyLimit(limit int64) TwilioOption {
	return func(p *TwilioProvider) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// TwilioProvider sends WhatsApp messages through the Twilio Messages API.
type TwilioProvider struct {
	logger          zerolog.Logger
	accountSID      string
	authToken       string
	defaultFrom     string
	defaultTemplate string
	statusCallback  string
	httpClient      HTTPClient
	baseURL         string
	now             func() time.Time
	maxBodyBytes    int64
}

// NewTwilioProvider validates cfg and builds the provider.
func NewTwilioProvider(cfg config.TwilioConfig, logger zerolog.Logger, opts ...TwilioOption) (*TwilioProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.AccountSID) == "" {
		missing = append(missing, "account SID")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		missing = append(missing, "auth token")
	}
	if strings.TrimSpace(cfg.WhatsAppFrom) == "" {
		missing = append(missing, "whatsapp from number")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("twilio whatsapp provider: %s required", strings.Join(missing, ", "))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &TwilioProvider{
		logger:          logger,
		accountSID:      strings.TrimSpace(cfg.AccountSID),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		defaultFrom:     whatsappAddress(cfg.WhatsAppFrom),
		defaultTemplate: strings.TrimSpace(cfg.TemplateContentSID),
		statusCallback:  strings.TrimSpace(cfg.StatusCallback),
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		baseURL:         twilioAPIBase,
		now:             time.Now,
		maxBodyBytes:    twilioDefaultBody,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name identifies the backend.
func (p *TwilioProvider) Name() string { return "twilio" }

// Send creates one message resource.
func (p *TwilioProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("twilio whatsapp provider: payload is required")
	}
	params, err := p.messageParams(payload)
	if err != nil {
		return nil, err
	}
	return p.call(ctx, http.MethodPost, p.resource("Messages.json"), params, payload.MessageID)
}

// Fetch reads the current state of a message. For undelivered messages the
// response carries Twilio's delivery error code and text.
func (p *TwilioProvider) Fetch(ctx context.Context, sid string) (*RawResponse, error) {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil, errors.New("twilio whatsapp provider: message sid is required")
	}
	return p.call(ctx, http.MethodGet, p.resource("Messages", url.PathEscape(sid)+".json"), nil, sid)
}

// messageParams builds the form for a template send (ContentSid plus JSON
// ContentVariables) or a free-form send (Body and/or MediaUrl). A payload
// with neither falls back to the configured template.
func (p *TwilioProvider) messageParams(payload *Payload) (url.Values, error) {
	to := whatsappAddress(payload.To)
	if to == "" {
		return nil, errors.New("twilio whatsapp provider: recipient is required")
	}
	from := whatsappAddress(payload.From)
	if from == "" {
		from = p.defaultFrom
	}
	body := strings.TrimSpace(payload.Body)
	media := strings.TrimSpace(payload.MediaURL)
	contentSID := strings.TrimSpace(payload.ContentSID)
	if contentSID == "" && body == "" && media == "" {
		contentSID = p.defaultTemplate
	}

	params := url.Values{"To": {to}, "From": {from}}
	switch {
	case contentSID != "":
		params.Set("ContentSid", contentSID)
		if len(payload.ContentVariables) > 0 {
			vars, err := json.Marshal(payload.ContentVariables)
			if err != nil {
				return nil, fmt.Errorf("twilio whatsapp provider: encode content variables: %w", err)
			}
			params.Set("ContentVariables", string(vars))
		}
	case body == "" && media == "":
		return nil, errors.New("twilio whatsapp provider: body, media url or content sid is required")
	default:
		if media != "" {
			params.Set("MediaUrl", media)
		}
		if body != "" {
			params.Set("Body", payload.Body)
		}
	}

	if cb := firstNonEmpty(payload.StatusCallback, p.statusCallback); cb != "" {
		params.Set("StatusCallback", cb)
	}
	for key, value := range payload.Meta {
		name, ok := optionalParam(key)
		if value = strings.TrimSpace(value); ok && value != "" {
			params.Set(name, value)
		}
	}
	return params, nil
}

func (p *TwilioProvider) resource(parts ...string) string {
	return p.baseURL + "/Accounts/" + url.PathEscape(p.accountSID) + "/" + strings.Join(parts, "/")
}

func (p *TwilioProvider) call(ctx context.Context, method, endpoint string, form url.Values, fallbackID string) (*RawResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("twilio whatsapp provider: new request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio whatsapp provider: http do: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("twilio whatsapp provider: read body: %w", err)
	}

	var res twilioResource
	if len(bytes.TrimSpace(data)) > 0 {
		// Error pages are not always JSON; the raw text is kept either way.
		_ = json.Unmarshal(data, &res)
	}
	raw := &RawResponse{
		ID:           res.SID,
		Code:         resp.StatusCode,
		Status:       firstNonEmpty(res.Status, http.StatusText(resp.StatusCode)),
		Body:         string(data),
		ErrorCode:    int(res.ErrorCode),
		ErrorMessage: res.ErrorMessage,
		Timestamp:    p.now(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &APIError{
			Provider:   "twilio",
			StatusCode: resp.StatusCode,
			Code:       int(res.Code),
			Message:    firstNonEmpty(res.Message, strings.TrimSpace(string(data)), http.StatusText(resp.StatusCode)),
			MoreInfo:   res.MoreInfo,
		}
	}
	if raw.ID == "" {
		raw.ID = fallbackID
	}
	p.logger.Debug().Str("method", method).Str("sid", raw.ID).Str("status", raw.Status).Msg("twilio request succeeded")
	return raw, nil
}

// twilioResource covers both a message resource and an API error body.
type twilioResource struct {
	SID          string      `json:"sid"`
	Status       string      `json:"status"`
	ErrorCode    flexibleInt `json:"error_code"`
	ErrorMessage string      `json:"error_message"`
	Code         flexibleInt `json:"code"`
	Message      string      `json:"message"`
	MoreInfo     string      `json:"more_info"`
}

// flexibleInt accepts a JSON number, a numeric string or null.
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if text == "" || text == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.Atoi(text); err == nil {
		*f = flexibleInt(n)
	}
	return nil
}

func optionalParam(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if name, ok := optionalParams[strings.ToLower(key)]; ok {
		return name, true
	}
	for _, name := range optionalParams {
		if name == key {
			return name, true
		}
	}
	return "", false
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if len(number) >= len(whatsappPrefix) && strings.EqualFold(number[:len(whatsappPrefix)], whatsappPrefix) {
		number = strings.TrimSpace(number[len(whatsappPrefix):])
	}
	if number == "" {
		return ""
	}
	return whatsappPrefix + number
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
