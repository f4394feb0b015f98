package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zigazaga4/emailer/internal/config"
)

// GmailOption customises the Gmail provider.
type GmailOption func(*gmailSettings)

type gmailSettings struct {
	clientOptions []option.ClientOption
	now           func() time.Time
}

// WithGmailClientOptions appends options passed to gmail.NewService, such as
// a custom endpoint.
func WithGmailClientOptions(opts ...option.ClientOption) GmailOption {
	return func(s *gmailSettings) {
		s.clientOptions = append(s.clientOptions, opts...)
	}
}

// WithGmailClock overrides the clock used for timestamps and Date headers.
func WithGmailClock(now func() time.Time) GmailOption {
	return func(s *gmailSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// GmailProvider sends raw RFC 5322 messages through the Gmail API.
type GmailProvider struct {
	logger  zerolog.Logger
	service *gmail.Service
	userID  string
	from    string
	now     func() time.Time
}

// NewGmailProvider builds the Gmail client. With cfg.CredentialsJSON set it
// authenticates as a service account impersonating the sender mailbox;
// otherwise tokens must supply user access tokens for the sender.
func NewGmailProvider(ctx context.Context, cfg config.GmailConfig, tokens oauth2.TokenSource, logger zerolog.Logger, opts ...GmailOption) (*GmailProvider, error) {
	sender := strings.TrimSpace(cfg.SenderAddress)
	if sender == "" {
		return nil, errors.New("gmail provider: sender address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &gmailSettings{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	var client *http.Client
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		jwtConfig, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), gmail.GmailSendScope)
		if err != nil {
			return nil, fmt.Errorf("gmail provider: parse credentials: %w", err)
		}
		jwtConfig.Subject = sender
		client = jwtConfig.Client(ctx)
	case tokens != nil:
		client = oauth2.NewClient(ctx, tokens)
	default:
		return nil, errors.New("gmail provider: credentials JSON or token source is required")
	}

	clientOptions := append([]option.ClientOption{option.WithHTTPClient(client)}, settings.clientOptions...)
	svc, err := gmail.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("gmail provider: create service: %w", err)
	}

	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		userID = "me"
	}

	return &GmailProvider{
		logger:  logger,
		service: svc,
		userID:  userID,
		from:    sender,
		now:     settings.now,
	}, nil
}

// GmailOAuthConfig returns the OAuth client used to refresh user tokens.
func GmailOAuthConfig(cfg config.GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// Name identifies the backend.
func (p *GmailProvider) Name() string { return "gmail" }

// Send delivers payload via users.messages.send.
func (p *GmailProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("gmail provider: payload is required")
	}
	if len(payload.To)+len(payload.CC)+len(payload.BCC) == 0 {
		return nil, errors.New("gmail provider: at least one recipient is required")
	}

	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = p.from
	}
	envelopeFrom, err := bareAddress(from)
	if err != nil {
		return nil, fmt.Errorf("gmail provider: invalid from address: %w", err)
	}

	message, err := buildMIME(payload, envelopeFrom, p.now())
	if err != nil {
		return nil, fmt.Errorf("gmail provider: build message: %w", err)
	}
	// Gmail reads Bcc from the raw headers and strips it before delivery.
	if len(payload.BCC) > 0 {
		message = append([]byte("Bcc: "+strings.Join(payload.BCC, ", ")+"\r\n"), message...)
	}

	sent, err := p.service.Users.Messages.Send(p.userID, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(message),
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			reason := ""
			if len(apiErr.Errors) > 0 {
				reason = apiErr.Errors[0].Reason
			}
			return &RawResponse{ID: payload.MessageID, Code: apiErr.Code, Body: apiErr.Message, Timestamp: p.now()},
				&HTTPError{Provider: "gmail", StatusCode: apiErr.Code, Code: reason, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("gmail provider: send: %w", err)
	}

	resp := &RawResponse{
		ID:        sent.Id,
		Code:      sent.HTTPStatusCode,
		Body:      "gmail: message sent",
		Timestamp: p.now(),
	}
	if resp.ID == "" {
		resp.ID = payload.MessageID
	}
	if resp.Code == 0 {
		resp.Code = http.StatusOK
	}
	p.logger.Debug().Str("message_id", payload.MessageID).Str("gmail_id", sent.Id).Msg("gmail message sent")
	return resp, nil
}
