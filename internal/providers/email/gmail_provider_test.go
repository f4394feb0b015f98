package email_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/zigazaga4/emailer/internal/config"
	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
)

func newGmail(t *testing.T, srv *httptest.Server) *emailprovider.GmailProvider {
	t.Helper()
	provider, err := emailprovider.NewGmailProvider(context.Background(),
		config.GmailConfig{UserID: "me", SenderAddress: "news@example.com"},
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1"}),
		zerolog.New(io.Discard),
		emailprovider.WithGmailClientOptions(option.WithEndpoint(srv.URL+"/")),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	return provider
}

func TestGmailSendsRawMessage(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gmail/v1/users/me/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer access-1" {
			t.Errorf("unexpected authorization %q", auth)
		}
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		decoded, err := base64.URLEncoding.DecodeString(body.Raw)
		if err != nil {
			t.Errorf("decode raw: %v", err)
		}
		raw = string(decoded)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"g-1","threadId":"t-1"}`)
	}))
	defer srv.Close()

	provider := newGmail(t, srv)
	resp, err := provider.Send(context.Background(), &emailprovider.Payload{
		MessageID: "m-1",
		FromName:  "Weekly News",
		To:        []string{"reader@example.com"},
		BCC:       []string{"archive@example.com"},
		Subject:   "Issue 12",
		Body:      "Plain body",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "g-1" || resp.Code != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
	for _, want := range []string{
		"Bcc: archive@example.com\r\n",
		`From: "Weekly News" <news@example.com>`,
		"To: reader@example.com",
		"Subject: Issue 12",
		"Content-Type: text/plain; charset=UTF-8",
		"Plain body",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %q in raw message %q", want, raw)
		}
	}
}

func TestGmailMapsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid To header","errors":[{"reason":"invalidArgument","message":"Invalid To header"}]}}`)
	}))
	defer srv.Close()

	provider := newGmail(t, srv)
	resp, err := provider.Send(context.Background(), &emailprovider.Payload{MessageID: "m-2", To: []string{"bad@example.com"}, Subject: "x", Body: "x"})

	var httpErr *emailprovider.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 400 || httpErr.Code != "invalidArgument" || httpErr.Provider != "gmail" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if resp == nil || resp.Code != 400 {
		t.Fatalf("expected raw response with status, got %+v", resp)
	}
}

func TestNewGmailProviderValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := emailprovider.NewGmailProvider(ctx, config.GmailConfig{}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing sender error")
	}
	if _, err := emailprovider.NewGmailProvider(ctx, config.GmailConfig{SenderAddress: "news@example.com"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	if _, err := emailprovider.NewGmailProvider(ctx, config.GmailConfig{SenderAddress: "news@example.com", CredentialsJSON: "{not json"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected credentials parse error")
	}
}

func TestGmailNormalisesFromAddress(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		decoded, _ := base64.URLEncoding.DecodeString(body.Raw)
		raw = string(decoded)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"g-2"}`)
	}))
	defer srv.Close()

	provider := newGmail(t, srv)
	if _, err := provider.Send(context.Background(), &emailprovider.Payload{
		MessageID: "m-3",
		From:      "Support Desk <desk@example.com>",
		To:        []string{"reader@example.com"},
		Subject:   "Hi",
		Body:      "Body",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(raw, "From: desk@example.com\r\n") || !strings.Contains(raw, "Message-Id: <m-3@example.com>") {
		t.Fatalf("expected bare from address and sender domain in raw message %q", raw)
	}

	_, err := provider.Send(context.Background(), &emailprovider.Payload{From: "not an address", To: []string{"reader@example.com"}, Subject: "Hi", Body: "Body"})
	if err == nil || !strings.Contains(err.Error(), "invalid from address") {
		t.Fatalf("expected invalid from error, got %v", err)
	}
}
