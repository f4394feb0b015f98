package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/models"
)

const zohoInvalidToken = "INVALID_OAUTHTOKEN"

// ZohoOption customises the Zoho Mail provider.
type ZohoOption func(*ZohoProvider)

// WithZohoHTTPClient overrides the HTTP client used for the Mail API.
func WithZohoHTTPClient(client HTTPClient) ZohoOption {
	return func(p *ZohoProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithZohoClock overrides the clock used for timestamps.
func WithZohoClock(now func() time.Time) ZohoOption {
	return func(p *ZohoProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// ZohoProvider sends mail through the Zoho Mail REST API. Plain messages go
// as JSON; attachments and inline images switch the request to
// multipart/form-data.
type ZohoProvider struct {
	logger       zerolog.Logger
	tokens       TokenSource
	httpClient   HTTPClient
	endpoint     string
	from         string
	now          func() time.Time
	maxBodyBytes int64
}

// NewZohoProvider constructs a provider for the account in cfg. tokens is
// usually a credential.Refresher bound to the Zoho accounts server.
func NewZohoProvider(cfg config.ZohoConfig, tokens TokenSource, logger zerolog.Logger, opts ...ZohoOption) (*ZohoProvider, error) {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("zoho provider: account id is required")
	}
	if strings.TrimSpace(cfg.APIDomain) == "" {
		return nil, errors.New("zoho provider: api domain is required")
	}
	if tokens == nil {
		return nil, errors.New("zoho provider: token source is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &ZohoProvider{
		logger:       logger,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		endpoint:     strings.TrimRight(strings.TrimSpace(cfg.APIDomain), "/") + "/api/accounts/" + url.PathEscape(strings.TrimSpace(cfg.AccountID)) + "/messages",
		from:         strings.TrimSpace(cfg.FromAddress),
		now:          time.Now,
		maxBodyBytes: 16 * 1024,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name identifies the backend.
func (p *ZohoProvider) Name() string { return "zoho" }

// Send posts payload to the Mail API. A rejected access token is invalidated
// and the request is retried once with a fresh one.
func (p *ZohoProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("zoho provider: payload is required")
	}
	if len(payload.To)+len(payload.CC)+len(payload.BCC) == 0 {
		return nil, errors.New("zoho provider: at least one recipient is required")
	}
	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = p.from
	}
	if from == "" {
		return nil, errors.New("zoho provider: from address is required")
	}

	resp, err := p.post(ctx, payload, from)
	if !tokenRejected(err) {
		return resp, err
	}

	p.logger.Info().Str("message_id", payload.MessageID).Msg("zoho access token rejected, refreshing")
	p.tokens.Invalidate()
	return p.post(ctx, payload, from)
}

type zohoResponse struct {
	Status struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	} `json:"status"`
	Data struct {
		MessageID string `json:"messageId"`
		ErrorCode string `json:"errorCode"`
		MoreInfo  string `json:"moreInfo"`
	} `json:"data"`
}

func (p *ZohoProvider) post(ctx context.Context, payload *Payload, from string) (*RawResponse, error) {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("zoho provider: access token: %w", err)
	}

	body, contentType, err := encodeZohoRequest(payload, from)
	if err != nil {
		return nil, fmt.Errorf("zoho provider: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zoho provider: new request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zoho provider: http do: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("zoho provider: read body: %w", err)
	}

	var parsed zohoResponse
	_ = json.Unmarshal(data, &parsed)

	raw := &RawResponse{
		ID:        parsed.Data.MessageID,
		Code:      resp.StatusCode,
		Body:      strings.TrimSpace(string(data)),
		Timestamp: p.now(),
	}

	apiStatus := parsed.Status.Code
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && (apiStatus == 0 || (apiStatus >= 200 && apiStatus < 300)) {
		if raw.ID == "" {
			raw.ID = payload.MessageID
		}
		return raw, nil
	}

	status := resp.StatusCode
	if status < 400 && apiStatus >= 400 {
		status = apiStatus
	}
	message := parsed.Status.Description
	if parsed.Data.MoreInfo != "" {
		message = strings.TrimSpace(message + " " + parsed.Data.MoreInfo)
	}
	if message == "" {
		message = raw.Body
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return raw, &HTTPError{Provider: "zoho", StatusCode: status, Code: parsed.Data.ErrorCode, Message: message}
}

func tokenRejected(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized || strings.EqualFold(httpErr.Code, zohoInvalidToken)
}

type zohoMessage struct {
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	CCAddress   string `json:"ccAddress,omitempty"`
	BCCAddress  string `json:"bccAddress,omitempty"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	MailFormat  string `json:"mailFormat"`
	AskReceipt  string `json:"askReceipt"`
}

// encodeZohoRequest returns the request body and its content type.
func encodeZohoRequest(payload *Payload, from string) ([]byte, string, error) {
	isHTML := strings.EqualFold(strings.TrimSpace(payload.BodyType), models.BodyTypeHTML)
	msg := zohoMessage{
		FromAddress: formatAddress(payload.FromName, from),
		ToAddress:   strings.Join(payload.To, ","),
		CCAddress:   strings.Join(payload.CC, ","),
		BCCAddress:  strings.Join(payload.BCC, ","),
		Subject:     sanitizeHeaderValue(payload.Subject),
		Content:     payload.Body,
		MailFormat:  "plaintext",
		AskReceipt:  "no",
	}
	if isHTML {
		msg.MailFormat = "html"
	}

	inline := isHTML && dataImagePattern.MatchString(payload.Body)
	if len(payload.Attachments) == 0 && !inline {
		data, err := json.Marshal(msg)
		return data, "application/json", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"fromAddress", msg.FromAddress},
		{"toAddress", msg.ToAddress},
		{"ccAddress", msg.CCAddress},
		{"bccAddress", msg.BCCAddress},
		{"subject", msg.Subject},
		{"mailFormat", msg.MailFormat},
		{"askReceipt", msg.AskReceipt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if inline {
		related, header, err := renderBody(payload)
		if err != nil {
			return nil, "", err
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="content"`)
		h.Set("Content-Type", header.Get("Content-Type"))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(related); err != nil {
			return nil, "", err
		}
	} else if err := w.WriteField("content", msg.Content); err != nil {
		return nil, "", err
	}

	for _, att := range payload.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, att.Filename))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(att.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
