package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the dispatcher.
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Sender     SenderConfig
	Dispatch   DispatchConfig
	Retry      RetryConfig
	Validation ValidationConfig
	Providers  ProviderConfig
	Timeouts   TimeoutConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
	HTTPAddr string
}

// DatabaseConfig locates the embedded ledger database.
type DatabaseConfig struct {
	Path                   string
	SweepStaleAfterMinutes int
}

// SweepStaleAfter returns the stale session threshold, zero when disabled.
func (d DatabaseConfig) SweepStaleAfter() time.Duration {
	if d.SweepStaleAfterMinutes <= 0 {
		return 0
	}
	return time.Duration(d.SweepStaleAfterMinutes) * time.Minute
}

// SenderConfig is the default sender identity for email runs.
type SenderConfig struct {
	Address string
	Name    string
}

// DispatchConfig controls run pacing and concurrency.
type DispatchConfig struct {
	PacingMs          int
	MaxConcurrentRuns int
}

// Pacing returns the inter-recipient delay.
func (d DispatchConfig) Pacing() time.Duration {
	return time.Duration(d.PacingMs) * time.Millisecond
}

// RetryConfig controls the per-recipient retry policy.
type RetryConfig struct {
	MaxRetries  int
	BaseDelayMs int
	MaxDelayMs  int
}

// BaseDelay returns the first backoff step.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// ValidationConfig holds the limits used while validating run requests.
type ValidationConfig struct {
	SubjectMaxLen      int
	BodyMaxBytes       int
	CopyRecipientsMax  int
	AttachmentMaxBytes int
	WABodyMax          int
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	FromName string
	// Secure starts the connection in TLS instead of upgrading with STARTTLS.
	Secure bool
}

// ZohoConfig stores the OAuth client and account used by the Zoho Mail API.
type ZohoConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountID    string
	APIDomain    string
	AuthDomain   string
	FromAddress  string
}

// GmailConfig stores the Gmail API credentials: either a service account
// JSON with domain wide delegation or an OAuth client plus refresh token.
type GmailConfig struct {
	CredentialsJSON string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	UserID          string
	SenderAddress   string
}

// TwilioConfig stores Twilio credentials for WhatsApp delivery.
type TwilioConfig struct {
	AccountSID         string
	AuthToken          string
	WhatsAppFrom       string
	TemplateContentSID string
	StatusCallback     string
}

// TwilioView is the redacted form of TwilioConfig exposed to callers.
type TwilioView struct {
	AccountSID         string `json:"account_sid"`
	WhatsAppFrom       string `json:"whatsapp_from"`
	TemplateContentSID string `json:"template_content_sid,omitempty"`
	HasAuthToken       bool   `json:"has_auth_token"`
}

// Redacted hides the auth token.
func (c TwilioConfig) Redacted() TwilioView {
	return TwilioView{
		AccountSID:         c.AccountSID,
		WhatsAppFrom:       c.WhatsAppFrom,
		TemplateContentSID: c.TemplateContentSID,
		HasAuthToken:       c.AuthToken != "",
	}
}

// ProviderConfig wraps configuration for external providers.
type ProviderConfig struct {
	EmailProvider    string
	WhatsAppProvider string
	SMTP             SMTPConfig
	Zoho             ZohoConfig
	Gmail            GmailConfig
	Twilio           TwilioConfig
}

// TimeoutConfig contains timeout thresholds for outbound providers.
type TimeoutConfig struct {
	ProviderTimeoutSeconds int
}

// ProviderTimeout returns the per-call provider timeout.
func (t TimeoutConfig) ProviderTimeout() time.Duration {
	return time.Duration(t.ProviderTimeoutSeconds) * time.Second
}

// RedisConfig enables the cross-process progress mirror when Addr is set.
type RedisConfig struct {
	Addr               string
	Password           string
	DB                 int
	ProgressTTLSeconds int
	ProgressChannel    string
}

// KafkaConfig enables status event export when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
	ClientID    string
}

// Load reads environment variables (after loading the optional dotenv files),
// applies defaults, validates required values and returns a populated Config.
// Provider credentials are only required for the selected backend.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)
	return fromEnv()
}

// Reload is Load for a running process: values from the dotenv files replace
// variables already present in the environment.
func Reload(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Overload(files...); err != nil {
			return nil, fmt.Errorf("config: reload env files: %w", err)
		}
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.HTTPAddr = ldr.getString("HTTP_ADDR", ":8080", false)

	cfg.Database.Path = ldr.getString("DB_PATH", "emailer.db", false)
	cfg.Database.SweepStaleAfterMinutes = ldr.getInt("LEDGER_SWEEP_STALE_AFTER_MINUTES", 0, false)

	cfg.Sender.Address = ldr.getString("SENDER_ADDRESS", "", false)
	cfg.Sender.Name = ldr.getString("SENDER_NAME", "", false)

	cfg.Dispatch.PacingMs = ldr.getInt("DISPATCH_PACING_MS", 2000, false)
	cfg.Dispatch.MaxConcurrentRuns = ldr.getInt("DISPATCH_MAX_CONCURRENT_RUNS", 4, false)

	cfg.Retry.MaxRetries = ldr.getInt("RETRY_MAX_RETRIES", 3, false)
	cfg.Retry.BaseDelayMs = ldr.getInt("RETRY_BASE_DELAY_MS", 1000, false)
	cfg.Retry.MaxDelayMs = ldr.getInt("RETRY_MAX_DELAY_MS", 10000, false)

	cfg.Validation.SubjectMaxLen = ldr.getInt("SUBJECT_MAX_LEN", 255, false)
	cfg.Validation.BodyMaxBytes = ldr.getInt("BODY_MAX_BYTES", 1000000, false)
	cfg.Validation.CopyRecipientsMax = ldr.getInt("COPY_RECIPIENTS_MAX", 50, false)
	cfg.Validation.AttachmentMaxBytes = ldr.getInt("ATTACHMENT_MAX_BYTES", 10*1024*1024, false)
	cfg.Validation.WABodyMax = ldr.getInt("WA_BODY_MAX", 4096, false)

	cfg.Providers.EmailProvider = strings.ToLower(ldr.getString("EMAIL_PROVIDER", "mock", false))
	cfg.Providers.WhatsAppProvider = strings.ToLower(ldr.getString("WHATSAPP_PROVIDER", "mock", false))

	useSMTP := cfg.Providers.EmailProvider == "smtp"
	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", useSMTP)
	cfg.Providers.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.Providers.SMTP.Secure = ldr.getBool("SMTP_SECURE", cfg.Providers.SMTP.Port == 465)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.Providers.SMTP.From = ldr.getString("SMTP_FROM", cfg.Sender.Address, useSMTP && cfg.Sender.Address == "")
	cfg.Providers.SMTP.FromName = ldr.getString("SMTP_FROM_NAME", cfg.Sender.Name, false)

	useZoho := cfg.Providers.EmailProvider == "zoho"
	cfg.Providers.Zoho.ClientID = ldr.getString("ZOHO_CLIENT_ID", "", useZoho)
	cfg.Providers.Zoho.ClientSecret = ldr.getString("ZOHO_CLIENT_SECRET", "", useZoho)
	cfg.Providers.Zoho.RefreshToken = ldr.getString("ZOHO_REFRESH_TOKEN", "", useZoho)
	cfg.Providers.Zoho.AccountID = ldr.getString("ZOHO_ACCOUNT_ID", "", useZoho)
	cfg.Providers.Zoho.APIDomain = ldr.getString("ZOHO_API_DOMAIN", "https://mail.zoho.com", false)
	cfg.Providers.Zoho.AuthDomain = ldr.getString("ZOHO_AUTH_DOMAIN", "https://accounts.zoho.com", false)
	cfg.Providers.Zoho.FromAddress = ldr.getString("ZOHO_FROM_ADDRESS", cfg.Sender.Address, false)

	useGmail := cfg.Providers.EmailProvider == "gmail"
	cfg.Providers.Gmail.CredentialsJSON = ldr.getString("GMAIL_CREDENTIALS_JSON", "", false)
	useGmailToken := useGmail && cfg.Providers.Gmail.CredentialsJSON == ""
	cfg.Providers.Gmail.ClientID = ldr.getString("GMAIL_CLIENT_ID", "", useGmailToken)
	cfg.Providers.Gmail.ClientSecret = ldr.getString("GMAIL_CLIENT_SECRET", "", useGmailToken)
	cfg.Providers.Gmail.RefreshToken = ldr.getString("GMAIL_REFRESH_TOKEN", "", useGmailToken)
	cfg.Providers.Gmail.UserID = ldr.getString("GMAIL_USER_ID", "me", false)
	cfg.Providers.Gmail.SenderAddress = ldr.getString("GMAIL_SENDER_ADDRESS", cfg.Sender.Address, useGmail && cfg.Sender.Address == "")

	useTwilio := cfg.Providers.WhatsAppProvider == "twilio"
	cfg.Providers.Twilio.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", useTwilio)
	cfg.Providers.Twilio.AuthToken = ldr.getString("TWILIO_AUTH_TOKEN", "", useTwilio)
	cfg.Providers.Twilio.WhatsAppFrom = ldr.getString("TWILIO_WHATSAPP_FROM", "", useTwilio)
	cfg.Providers.Twilio.TemplateContentSID = ldr.getString("TWILIO_TEMPLATE_CONTENT_SID", "", false)
	cfg.Providers.Twilio.StatusCallback = ldr.getString("TWILIO_STATUS_CALLBACK", "", false)

	cfg.Timeouts.ProviderTimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.ProgressTTLSeconds = ldr.getInt("PROGRESS_REDIS_TTL_SECONDS", 3600, false)
	cfg.Redis.ProgressChannel = ldr.getString("PROGRESS_REDIS_CHANNEL", "emailer:progress", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "", len(cfg.Kafka.Brokers) > 0)
	cfg.Kafka.ClientID = ldr.getString("KAFKA_CLIENT_ID", "emailer", false)

	ldr.checkOneOf("EMAIL_PROVIDER", cfg.Providers.EmailProvider, "smtp", "zoho", "gmail", "mock")
	ldr.checkOneOf("WHATSAPP_PROVIDER", cfg.Providers.WhatsAppProvider, "twilio", "mock")
	if cfg.Dispatch.PacingMs < 0 {
		ldr.addError("DISPATCH_PACING_MS cannot be negative")
	}
	if cfg.Dispatch.MaxConcurrentRuns < 1 {
		ldr.addError("DISPATCH_MAX_CONCURRENT_RUNS must be >= 1")
	}
	if cfg.Retry.MaxRetries < 0 {
		ldr.addError("RETRY_MAX_RETRIES cannot be negative")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		ldr.addError("RETRY_MAX_DELAY_MS must be >= RETRY_BASE_DELAY_MS")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		if val = strings.TrimSpace(val); val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool) bool {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a boolean", key))
		return def
	}
	return b
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) checkOneOf(key, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	l.addError(fmt.Sprintf("%s must be one of %s", key, strings.Join(allowed, ", ")))
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
