package email_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/models"
	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
)

func TestNewSMTPProviderValidation(t *testing.T) {
	logger := zerolog.New(io.Discard)

	tests := []struct {
		name string
		cfg  config.SMTPConfig
	}{
		{name: "missing host", cfg: config.SMTPConfig{Port: 25, From: "news@example.com"}},
		{name: "invalid port", cfg: config.SMTPConfig{Host: "smtp.example.com", From: "news@example.com"}},
		{name: "missing from", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 25}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := emailprovider.NewSMTPProvider(tc.cfg, logger); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSMTPSendNilPayload(t *testing.T) {
	provider, err := emailprovider.NewSMTPProvider(config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "news@example.com"}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	if _, err := provider.Send(context.Background(), nil); err == nil {
		t.Fatalf("expected error when payload is nil")
	}
}

func TestSMTPProviderSendNormalizesMessage(t *testing.T) {
	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "news@example.com", FromName: "Weekly News"}
	server := &fakeSMTP{}
	provider := newSMTPProvider(t, cfg, server)

	payload := &emailprovider.Payload{
		MessageID: "msg-1",
		To:        []string{"reader@example.com", "reader@example.com"},
		CC:        []string{"reader@example.com"},
		BCC:       []string{"bcc@example.com"},
		Subject:   "Greetings",
		BodyType:  models.BodyTypeHTML,
		Body:      "Line 1\nLine 2\r\nLine 3",
		Headers: map[string]string{
			"From": "spoof@example.com",
			"Cc":   "cc-header@example.com",
			"Bcc":  "bcc-header@example.com",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := provider.Send(ctx, payload)
	server.wait()
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp == nil || resp.Code != 250 || resp.ID != "msg-1" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if resp.Body != "2.0.0 Ok: queued as 4F1A2B" {
		t.Fatalf("expected the relay reply in the body, got %q", resp.Body)
	}

	if server.mailFrom != cfg.From {
		t.Fatalf("expected MAIL FROM %q, got %q", cfg.From, server.mailFrom)
	}
	// Duplicates across To, Cc and Bcc collapse to one RCPT.
	wantRecipients := []string{"reader@example.com", "bcc@example.com"}
	if !reflect.DeepEqual(server.rcpts, wantRecipients) {
		t.Fatalf("unexpected rcpt list: got %v, want %v", server.rcpts, wantRecipients)
	}

	data := server.data
	for _, want := range []string{
		`From: "Weekly News" <news@example.com>`,
		"Message-Id: <msg-1@example.com>",
		"Content-Type: text/html; charset=UTF-8",
		"Line 1\r\nLine 2\r\nLine 3",
	} {
		if !strings.Contains(data, want) {
			t.Fatalf("expected %q in message, got %q", want, data)
		}
	}
	for _, unwanted := range []string{"spoof@example.com", "cc-header@example.com", "bcc-header@example.com", "Bcc:"} {
		if strings.Contains(data, unwanted) {
			t.Fatalf("did not expect %q in message, got %q", unwanted, data)
		}
	}
}

func TestSMTPProviderInlineImagesAndAttachments(t *testing.T) {
	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "news@example.com"}
	server := &fakeSMTP{}
	provider := newSMTPProvider(t, cfg, server)

	payload := &emailprovider.Payload{
		MessageID: "msg-2",
		To:        []string{"reader@example.com"},
		Subject:   "Résumé attached",
		BodyType:  models.BodyTypeHTML,
		Body:      `<p>Hi</p><img src="data:image/png;base64,iVBORw0KGgo=">`,
		Attachments: []models.Attachment{
			{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("hello")},
		},
	}

	if _, err := provider.Send(context.Background(), payload); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	server.wait()

	data := server.data
	for _, want := range []string{
		"Content-Type: multipart/mixed;",
		"multipart/related",
		"cid:image1@emailer",
		"Content-Id: <image1@emailer>",
		`filename="notes.txt"`,
		"aGVsbG8=",
		"Subject: =?utf-8?q?R=C3=A9sum=C3=A9_attached?=",
	} {
		if !strings.Contains(data, want) {
			t.Fatalf("expected %q in message, got %q", want, data)
		}
	}
	if strings.Contains(data, "data:image/png") {
		t.Fatalf("expected data uri to be replaced, got %q", data)
	}
}

func TestSMTPProviderReportsReplyCode(t *testing.T) {
	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "news@example.com"}
	server := &fakeSMTP{rcptReply: "550 5.1.1 mailbox unavailable"}
	provider := newSMTPProvider(t, cfg, server)

	resp, err := provider.Send(context.Background(), &emailprovider.Payload{
		MessageID: "msg-3",
		To:        []string{"gone@example.com"},
		Subject:   "Hello",
		Body:      "Hi",
	})
	server.wait()
	if err == nil {
		t.Fatalf("expected rcpt rejection")
	}
	if resp == nil || resp.Code != 550 {
		t.Fatalf("expected code 550, got %#v", resp)
	}
	if !strings.Contains(resp.Body, "mailbox unavailable") {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func newSMTPProvider(t *testing.T, cfg config.SMTPConfig, server *fakeSMTP) *emailprovider.SMTPProvider {
	t.Helper()
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return server.start(t), nil
	})
	provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.New(io.Discard),
		emailprovider.WithSMTPTLSConfig(nil),
		emailprovider.WithSMTPDialer(dialer),
		emailprovider.WithSMTPClock(func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	return provider
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}

// fakeSMTP speaks just enough SMTP over a net.Pipe to capture one message.
type fakeSMTP struct {
	rcptReply string

	wg       sync.WaitGroup
	mailFrom string
	rcpts    []string
	data     string
}

func (s *fakeSMTP) start(t *testing.T) net.Conn {
	server, client := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer server.Close()
		if err := s.converse(server); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("fake smtp server: %v", err)
		}
	}()
	return client
}

func (s *fakeSMTP) wait() { s.wg.Wait() }

func (s *fakeSMTP) converse(conn net.Conn) error {
	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	writeLine := func(format string, args ...interface{}) error {
		if _, err := fmt.Fprintf(writer, format+"\r\n", args...); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := writeLine("220 fake smtp ready"); err != nil {
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO ") || strings.HasPrefix(upper, "HELO "):
			if err := writeLine("250-fake"); err != nil {
				return err
			}
			err = writeLine("250 OK")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mailFrom = extractSMTPAddress(line)
			err = writeLine("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if s.rcptReply != "" {
				err = writeLine("%s", s.rcptReply)
				break
			}
			s.rcpts = append(s.rcpts, extractSMTPAddress(line))
			err = writeLine("250 OK")
		case upper == "DATA":
			if err := writeLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
				return err
			}
			var data strings.Builder
			for {
				msgLine, err := reader.ReadString('\n')
				if err != nil {
					return err
				}
				if msgLine == ".\r\n" {
					break
				}
				data.WriteString(msgLine)
			}
			s.data = data.String()
			err = writeLine("250 2.0.0 Ok: queued as 4F1A2B")
		case upper == "QUIT":
			return writeLine("221 Bye")
		default:
			err = writeLine("250 OK")
		}
		if err != nil {
			return err
		}
	}
}

func extractSMTPAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end != -1 && end > start+1 {
		return strings.TrimSpace(line[start+1 : end])
	}
	if idx := strings.Index(line, ":"); idx != -1 && idx+1 < len(line) {
		return strings.TrimSpace(line[idx+1:])
	}
	return strings.TrimSpace(line)
}
