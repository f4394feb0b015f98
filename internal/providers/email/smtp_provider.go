package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
)

var queueIDPattern = regexp.MustCompile(`(?i)(?:queued as|id=)\s*([A-Za-z0-9._-]+)`)

// SMTPOption configures the SMTP provider.
type SMTPOption func(*SMTPProvider)

// WithSMTPTLSConfig overrides the TLS configuration. nil disables TLS
// entirely, which is only useful against local test servers.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(p *SMTPProvider) { p.tlsConfig = cfg }
}

// WithSMTPDialer swaps the dialer used to reach the relay.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(p *SMTPProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithSMTPAuth replaces the PLAIN auth derived from the configuration.
func WithSMTPAuth(auth smtp.Auth) SMTPOption {
	return func(p *SMTPProvider) { p.auth = auth }
}

// WithSMTPClock replaces the clock used for Date headers and timestamps.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(p *SMTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSMTPHelloName sets the EHLO identity.
func WithSMTPHelloName(name string) SMTPOption {
	return func(p *SMTPProvider) {
		if name = strings.TrimSpace(name); name != "" {
			p.helloName = name
		}
	}
}

// Dialer is the subset of net.Dialer the provider uses.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProvider relays each message over a fresh SMTP connection. With Secure
// set (or on port 465) the connection starts in TLS; otherwise it upgrades
// with STARTTLS when the relay offers it.
type SMTPProvider struct {
	logger    zerolog.Logger
	addr      string
	host      string
	secure    bool
	from      string
	fromName  string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPProvider validates cfg and builds the provider.
func NewSMTPProvider(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPProvider, error) {
	host := strings.TrimSpace(cfg.Host)
	switch {
	case host == "":
		return nil, errors.New("smtp provider: host is required")
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("smtp provider: invalid port %d", cfg.Port)
	case strings.TrimSpace(cfg.From) == "":
		return nil, errors.New("smtp provider: from address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &SMTPProvider{
		logger:    logger,
		addr:      net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		host:      host,
		secure:    cfg.Secure || cfg.Port == 465,
		from:      strings.TrimSpace(cfg.From),
		fromName:  strings.TrimSpace(cfg.FromName),
		tlsConfig: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
	}
	if user := strings.TrimSpace(cfg.User); user != "" {
		p.auth = smtp.PlainAuth("", user, cfg.Pass, host)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name identifies the backend.
func (p *SMTPProvider) Name() string { return "smtp" }

// Send relays payload. The response carries the relay's final reply code and
// text; on failure it carries the reply that rejected the message.
func (p *SMTPProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("smtp provider: payload is required")
	}

	env, err := p.envelope(payload)
	if err != nil {
		return nil, err
	}
	if payload.From == "" && payload.FromName == "" {
		clone := *payload
		clone.FromName = p.fromName
		payload = &clone
	}
	message, err := buildMIME(payload, env.from, p.now())
	if err != nil {
		return nil, fmt.Errorf("smtp provider: build message: %w", err)
	}

	resp := &RawResponse{ID: payload.MessageID, Timestamp: p.now()}
	code, reply, err := p.relay(ctx, env, message)
	resp.Code, resp.Body = code, reply
	if err != nil {
		if resp.Body == "" {
			resp.Body = err.Error()
		}
		return resp, err
	}

	logEvent := p.logger.Debug().Str("message_id", payload.MessageID).Int("recipients", len(env.rcpts))
	if m := queueIDPattern.FindStringSubmatch(reply); len(m) == 2 {
		logEvent = logEvent.Str("queue_id", m[1])
	}
	logEvent.Msg("smtp relay accepted message")
	return resp, nil
}

type envelope struct {
	from  string
	rcpts []string
}

// envelope resolves MAIL FROM and the deduplicated RCPT TO list. Bcc
// addresses are envelope only and never reach the headers.
func (p *SMTPProvider) envelope(payload *Payload) (envelope, error) {
	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = p.from
	}
	addr, err := bareAddress(from)
	if err != nil {
		return envelope{}, fmt.Errorf("smtp provider: invalid from address: %w", err)
	}

	env := envelope{from: addr}
	seen := make(map[string]struct{})
	for _, group := range [][]string{payload.To, payload.CC, payload.BCC} {
		for _, raw := range group {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			rcpt, err := bareAddress(raw)
			if err != nil {
				return envelope{}, fmt.Errorf("smtp provider: invalid recipient: %w", err)
			}
			key := strings.ToLower(rcpt)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			env.rcpts = append(env.rcpts, rcpt)
		}
	}
	if len(env.rcpts) == 0 {
		return envelope{}, errors.New("smtp provider: at least one recipient is required")
	}
	return env, nil
}

// relay runs one SMTP transaction and returns the last reply seen.
func (p *SMTPProvider) relay(ctx context.Context, env envelope, message []byte) (int, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	s, err := p.open(ctx)
	if err != nil {
		return replyOf(err)
	}
	defer s.close()

	if err := s.handshake(p); err != nil {
		return replyOf(err)
	}
	if err := s.client.Mail(env.from); err != nil {
		return replyOf(fmt.Errorf("smtp provider: mail from: %w", err))
	}
	for _, rcpt := range env.rcpts {
		if err := s.client.Rcpt(rcpt); err != nil {
			return replyOf(fmt.Errorf("smtp provider: rcpt to %s: %w", rcpt, err))
		}
	}
	code, reply, err := s.data(message)
	if err != nil {
		return replyOf(err)
	}
	_ = s.client.Quit()
	if err := ctx.Err(); err != nil {
		return code, reply, err
	}
	return code, reply, nil
}

// session is one open SMTP connection.
type session struct {
	conn   net.Conn
	client *smtp.Client
	secure bool
	stop   chan struct{}
}

func (p *SMTPProvider) open(ctx context.Context) (*session, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("smtp provider: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	secure := p.secure && p.tlsConfig != nil
	if secure {
		tlsConn := tls.Client(conn, p.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp provider: tls handshake: %w", err)
		}
		conn = tlsConn
	}

	s := &session{conn: conn, secure: secure, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-s.stop:
		}
	}()

	s.client, err = smtp.NewClient(conn, p.host)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("smtp provider: greeting: %w", err)
	}
	return s, nil
}

func (s *session) handshake(p *SMTPProvider) error {
	if err := s.client.Hello(p.helloName); err != nil {
		return fmt.Errorf("smtp provider: hello: %w", err)
	}
	if !s.secure && p.tlsConfig != nil {
		if ok, _ := s.client.Extension("STARTTLS"); ok {
			if err := s.client.StartTLS(p.tlsConfig.Clone()); err != nil {
				return fmt.Errorf("smtp provider: starttls: %w", err)
			}
		}
	}
	if p.auth != nil {
		if ok, _ := s.client.Extension("AUTH"); ok {
			if err := s.client.Auth(p.auth); err != nil {
				return fmt.Errorf("smtp provider: auth: %w", err)
			}
		}
	}
	return nil
}

// data sends DATA itself rather than through smtp.Client.Data so that the
// final reply text, which carries the relay's queue id, is kept.
func (s *session) data(message []byte) (int, string, error) {
	text := s.client.Text
	id, err := text.Cmd("DATA")
	if err != nil {
		return 0, "", fmt.Errorf("smtp provider: data: %w", err)
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(354)
	text.EndResponse(id)
	if err != nil {
		return 0, "", fmt.Errorf("smtp provider: data: %w", err)
	}

	w := text.DotWriter()
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return 0, "", fmt.Errorf("smtp provider: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("smtp provider: data close: %w", err)
	}
	code, reply, err := text.ReadResponse(250)
	if err != nil {
		return 0, "", fmt.Errorf("smtp provider: message rejected: %w", err)
	}
	return code, strings.TrimSpace(reply), nil
}

func (s *session) close() {
	close(s.stop)
	if s.client != nil {
		_ = s.client.Close()
		return
	}
	_ = s.conn.Close()
}

func bareAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return "", err
	}
	if addr.Address == "" {
		return "", errors.New("empty address")
	}
	return addr.Address, nil
}

// replyOf pulls the SMTP reply out of err so the caller can record it.
func replyOf(err error) (int, string, error) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg), err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, "smtp: timeout", err
	}
	return 0, "", err
}
