package config

// View is the secret free form of Config served by the HTTP API.
type View struct {
	Env               string     `json:"env"`
	EmailProvider     string     `json:"email_provider"`
	WhatsAppProvider  string     `json:"whatsapp_provider"`
	SenderAddress     string     `json:"sender_address"`
	SenderName        string     `json:"sender_name,omitempty"`
	PacingMs          int        `json:"pacing_ms"`
	MaxConcurrentRuns int        `json:"max_concurrent_runs"`
	MaxRetries        int        `json:"max_retries"`
	SMTPHost          string     `json:"smtp_host,omitempty"`
	SMTPPort          int        `json:"smtp_port,omitempty"`
	HasSMTPPassword   bool       `json:"has_smtp_password"`
	ZohoAccountID     string     `json:"zoho_account_id,omitempty"`
	HasZohoToken      bool       `json:"has_zoho_refresh_token"`
	GmailUserID       string     `json:"gmail_user_id,omitempty"`
	HasGmailAuth      bool       `json:"has_gmail_credentials"`
	Twilio            TwilioView `json:"twilio"`
	RedisEnabled      bool       `json:"redis_enabled"`
	KafkaEnabled      bool       `json:"kafka_enabled"`
}

// Redacted returns the configuration with every credential replaced by a
// presence flag.
func (c *Config) Redacted() View {
	p := c.Providers
	return View{
		Env:               c.App.Env,
		EmailProvider:     p.EmailProvider,
		WhatsAppProvider:  p.WhatsAppProvider,
		SenderAddress:     c.Sender.Address,
		SenderName:        c.Sender.Name,
		PacingMs:          c.Dispatch.PacingMs,
		MaxConcurrentRuns: c.Dispatch.MaxConcurrentRuns,
		MaxRetries:        c.Retry.MaxRetries,
		SMTPHost:          p.SMTP.Host,
		SMTPPort:          p.SMTP.Port,
		HasSMTPPassword:   p.SMTP.Pass != "",
		ZohoAccountID:     p.Zoho.AccountID,
		HasZohoToken:      p.Zoho.RefreshToken != "",
		GmailUserID:       p.Gmail.UserID,
		HasGmailAuth:      p.Gmail.CredentialsJSON != "" || p.Gmail.RefreshToken != "",
		Twilio:            p.Twilio.Redacted(),
		RedisEnabled:      c.Redis.Addr != "",
		KafkaEnabled:      len(c.Kafka.Brokers) > 0,
	}
}
