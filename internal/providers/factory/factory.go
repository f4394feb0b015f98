// Package factory builds the configured providers and wraps them in adapters
// for the dispatch engine.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	emailadapter "github.com/zigazaga4/emailer/internal/adapters/email"
	waadapter "github.com/zigazaga4/emailer/internal/adapters/whatsapp"
	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/credential"
	"github.com/zigazaga4/emailer/internal/models"
	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
	waprovider "github.com/zigazaga4/emailer/internal/providers/whatsapp"
)

// Option customises provider construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the client used by HTTP based providers and token
// refreshes.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithTimeout uses a fresh client with the given per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}

func collect(opts []Option) *options {
	o := &options{httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Email constructs the configured email provider: smtp, zoho, gmail or mock.
func Email(ctx context.Context, cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) (emailprovider.Provider, error) {
	o := collect(opts)
	backend := normalize(cfg.EmailProvider, "mock")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().Str("backend", backend).Str("host", cfg.SMTP.Host).Msg("email provider initialised")
		return provider, nil
	case "zoho":
		tokens := credential.NewRefresher(credential.RefreshTokenFetcher(ZohoOAuthConfig(cfg.Zoho), cfg.Zoho.RefreshToken, o.httpClient))
		provider, err := emailprovider.NewZohoProvider(cfg.Zoho, tokens, logger, emailprovider.WithZohoHTTPClient(o.httpClient))
		if err != nil {
			return nil, fmt.Errorf("factory: zoho provider init: %w", err)
		}
		logger.Info().Str("backend", backend).Str("account_id", cfg.Zoho.AccountID).Msg("email provider initialised")
		return provider, nil
	case "gmail":
		var tokens oauth2.TokenSource
		if cfg.Gmail.CredentialsJSON == "" {
			tokens = credential.NewRefresher(credential.RefreshTokenFetcher(emailprovider.GmailOAuthConfig(cfg.Gmail), cfg.Gmail.RefreshToken, o.httpClient))
		}
		provider, err := emailprovider.NewGmailProvider(ctx, cfg.Gmail, tokens, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: gmail provider init: %w", err)
		}
		logger.Info().Str("backend", backend).Str("sender", cfg.Gmail.SenderAddress).Msg("email provider initialised")
		return provider, nil
	case "mock":
		logger.Info().Str("backend", backend).Msg("email provider initialised")
		return emailprovider.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.EmailProvider)
	}
}

// WhatsApp constructs the configured WhatsApp provider: twilio or mock.
func WhatsApp(cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) (waprovider.Provider, error) {
	o := collect(opts)
	backend := normalize(cfg.WhatsAppProvider, "mock")
	switch backend {
	case "twilio":
		provider, err := waprovider.NewTwilioProvider(cfg.Twilio, logger, waprovider.WithTwilioHTTPClient(o.httpClient))
		if err != nil {
			return nil, fmt.Errorf("factory: twilio whatsapp provider init: %w", err)
		}
		logger.Info().Str("backend", backend).Str("from", cfg.Twilio.WhatsAppFrom).Msg("whatsapp provider initialised")
		return provider, nil
	case "mock":
		logger.Info().Str("backend", backend).Msg("whatsapp provider initialised")
		return waprovider.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("factory: unsupported whatsapp provider backend %q", cfg.WhatsAppProvider)
	}
}

// ZohoOAuthConfig returns the OAuth client used to refresh Zoho access
// tokens. Zoho expects the client credentials in the form body.
func ZohoOAuthConfig(cfg config.ZohoConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(cfg.AuthDomain, "/") + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// EmailBuilder returns a Builder producing an email adapter over the
// configured provider. Each call reads cfg afresh, so resetting a Handle with
// a new builder picks up new credentials.
func EmailBuilder(ctx context.Context, cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) common.Builder {
	return func() (common.Adapter, error) {
		provider, err := Email(ctx, cfg, logger, opts...)
		if err != nil {
			return nil, err
		}
		return emailadapter.NewAdapter(provider, logger)
	}
}

// WhatsAppBuilder is the WhatsApp counterpart of EmailBuilder.
func WhatsAppBuilder(cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) common.Builder {
	return func() (common.Adapter, error) {
		provider, err := WhatsApp(cfg, logger, opts...)
		if err != nil {
			return nil, err
		}
		return waadapter.NewAdapter(provider, logger)
	}
}

// Router returns a channel router with lazily built handles for both
// channels.
func Router(ctx context.Context, cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) *common.Router {
	return common.NewRouter(map[string]*common.Handle{
		models.ChannelEmail:    common.NewHandle(EmailBuilder(ctx, cfg, logger, opts...)),
		models.ChannelWhatsApp: common.NewHandle(WhatsAppBuilder(cfg, logger, opts...)),
	})
}

// Reconfigure swaps the builders of an existing router after a credential
// change. Runs already sending keep their current adapter.
func Reconfigure(ctx context.Context, r *common.Router, cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) {
	if h := r.Handle(models.ChannelEmail); h != nil {
		h.Reset(EmailBuilder(ctx, cfg, logger, opts...))
	}
	if h := r.Handle(models.ChannelWhatsApp); h != nil {
		h.Reset(WhatsAppBuilder(cfg, logger, opts...))
	}
}

func normalize(value, fallback string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return fallback
	}
	return value
}
