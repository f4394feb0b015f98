package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/zigazaga4/emailer/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "")
	t.Setenv("WHATSAPP_PROVIDER", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Providers.EmailProvider != "mock" || cfg.Providers.WhatsAppProvider != "mock" {
		t.Fatalf("expected mock providers by default, got %s/%s", cfg.Providers.EmailProvider, cfg.Providers.WhatsAppProvider)
	}
	if cfg.Dispatch.Pacing() != 2*time.Second {
		t.Fatalf("expected 2s pacing, got %s", cfg.Dispatch.Pacing())
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay() != time.Second || cfg.Retry.MaxDelay() != 10*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Database.SweepStaleAfter() != 0 {
		t.Fatalf("expected stale sweep disabled by default")
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("expected kafka export disabled by default")
	}
}

func TestLoadTwilioRequiresCredentials(t *testing.T) {
	t.Setenv("WHATSAPP_PROVIDER", "twilio")
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_WHATSAPP_FROM", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, key := range []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_WHATSAPP_FROM"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s: %v", key, err)
		}
	}
}

func TestLoadProviderOverrides(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "ZOHO")
	t.Setenv("ZOHO_CLIENT_ID", "client")
	t.Setenv("ZOHO_CLIENT_SECRET", "secret")
	t.Setenv("ZOHO_REFRESH_TOKEN", "refresh")
	t.Setenv("ZOHO_ACCOUNT_ID", "12345")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("KAFKA_STATUS_TOPIC", "emailer.status")
	t.Setenv("DISPATCH_PACING_MS", "0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.EmailProvider != "zoho" {
		t.Fatalf("expected zoho backend, got %s", cfg.Providers.EmailProvider)
	}
	if cfg.Providers.Zoho.APIDomain != "https://mail.zoho.com" {
		t.Fatalf("unexpected api domain %s", cfg.Providers.Zoho.APIDomain)
	}
	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.Dispatch.Pacing() != 0 {
		t.Fatalf("expected zero pacing, got %s", cfg.Dispatch.Pacing())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "carrier-pigeon")
	t.Setenv("RETRY_MAX_RETRIES", "three")
	t.Setenv("KAFKA_BROKERS", "broker:9092")
	t.Setenv("KAFKA_STATUS_TOPIC", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"EMAIL_PROVIDER must be one of", "RETRY_MAX_RETRIES must be a valid integer", "KAFKA_STATUS_TOPIC is required"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SENDER_ADDRESS=news@example.com\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SENDER_ADDRESS", "")
	os.Unsetenv("SENDER_ADDRESS")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sender.Address != "news@example.com" {
		t.Fatalf("expected sender from env file, got %q", cfg.Sender.Address)
	}
	os.Unsetenv("SENDER_ADDRESS")
}

func TestTwilioRedacted(t *testing.T) {
	view := config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", WhatsAppFrom: "+15550001111"}.Redacted()
	if !view.HasAuthToken || view.AccountSID != "AC1" {
		t.Fatalf("unexpected redacted view %+v", view)
	}
}

func TestConfigRedactedHidesSecrets(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.EmailProvider = "smtp"
	cfg.Providers.SMTP = config.SMTPConfig{Host: "smtp.example.com", Port: 587, User: "u", Pass: "hunter2"}
	cfg.Providers.Zoho.ClientSecret = "zoho-secret"
	cfg.Providers.Gmail.RefreshToken = "gmail-token"
	cfg.Kafka.Brokers = []string{"localhost:9092"}

	view := cfg.Redacted()
	payload, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"hunter2", "zoho-secret", "gmail-token"} {
		if strings.Contains(string(payload), secret) {
			t.Fatalf("view leaks %q: %s", secret, payload)
		}
	}
	if !view.HasSMTPPassword || !view.HasGmailAuth || !view.KafkaEnabled || view.RedisEnabled {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestReloadOverridesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.env")
	if err := os.WriteFile(path, []byte("SENDER_ADDRESS=new@example.com\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SENDER_ADDRESS", "old@example.com")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sender.Address != "old@example.com" {
		t.Fatalf("load should keep the environment, got %q", cfg.Sender.Address)
	}

	cfg, err = config.Reload(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Sender.Address != "new@example.com" {
		t.Fatalf("reload should prefer the file, got %q", cfg.Sender.Address)
	}
}

func TestLoadSMTPSecureFollowsPort(t *testing.T) {
	cases := []struct {
		port, secure string
		want         bool
	}{
		{"465", "", true},
		{"587", "", false},
		{"2465", "true", true},
		{"465", "false", false},
	}
	for _, tc := range cases {
		t.Setenv("SMTP_PORT", tc.port)
		t.Setenv("SMTP_SECURE", tc.secure)
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("port %s: %v", tc.port, err)
		}
		if cfg.Providers.SMTP.Secure != tc.want {
			t.Fatalf("port %s secure %q: got %v, want %v", tc.port, tc.secure, cfg.Providers.SMTP.Secure, tc.want)
		}
	}
}
