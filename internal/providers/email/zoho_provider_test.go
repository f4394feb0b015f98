package email_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/models"
	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
)

type tokenStub struct {
	mu          sync.Mutex
	tokens      []string
	issued      int
	invalidated int
}

func (s *tokenStub) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := s.tokens[min(s.issued, len(s.tokens)-1)]
	s.issued++
	return tok, nil
}

func (s *tokenStub) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func newZoho(t *testing.T, srv *httptest.Server, tokens *tokenStub) *emailprovider.ZohoProvider {
	t.Helper()
	provider, err := emailprovider.NewZohoProvider(config.ZohoConfig{
		AccountID:   "12345",
		APIDomain:   srv.URL,
		FromAddress: "news@example.com",
	}, tokens, zerolog.New(io.Discard), emailprovider.WithZohoHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	return provider
}

func TestZohoSendsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/12345/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Zoho-oauthtoken tok-1" {
			t.Errorf("unexpected authorization %q", auth)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"status":{"code":200,"description":"success"},"data":{"messageId":"z-1"}}`)
	}))
	defer srv.Close()

	provider := newZoho(t, srv, &tokenStub{tokens: []string{"tok-1"}})
	resp, err := provider.Send(context.Background(), &emailprovider.Payload{
		MessageID: "m-1",
		To:        []string{"a@example.com", "b@example.com"},
		CC:        []string{"c@example.com"},
		Subject:   "Launch",
		BodyType:  models.BodyTypeHTML,
		Body:      "<p>Hello</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "z-1" || resp.Code != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}

	want := map[string]string{
		"fromAddress": "news@example.com",
		"toAddress":   "a@example.com,b@example.com",
		"ccAddress":   "c@example.com",
		"subject":     "Launch",
		"content":     "<p>Hello</p>",
		"mailFormat":  "html",
		"askReceipt":  "no",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["bccAddress"]; ok {
		t.Fatalf("expected empty bcc to be omitted")
	}
}

func TestZohoUsesMultipartForAttachments(t *testing.T) {
	fields := map[string]string{}
	var files []string
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("expected multipart request, got %q", r.Header.Get("Content-Type"))
			return
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			if part.FileName() != "" {
				files = append(files, part.FormName()+":"+part.FileName()+":"+string(data))
				continue
			}
			if part.FormName() == "content" {
				contentType = part.Header.Get("Content-Type")
			}
			fields[part.FormName()] = string(data)
		}
		_, _ = io.WriteString(w, `{"status":{"code":200},"data":{"messageId":"z-2"}}`)
	}))
	defer srv.Close()

	provider := newZoho(t, srv, &tokenStub{tokens: []string{"tok-1"}})
	_, err := provider.Send(context.Background(), &emailprovider.Payload{
		MessageID: "m-2",
		To:        []string{"a@example.com"},
		Subject:   "Report",
		BodyType:  models.BodyTypeHTML,
		Body:      `<p>See chart</p><img src="data:image/png;base64,iVBORw0KGgo=">`,
		Attachments: []models.Attachment{
			{Filename: "report.csv", ContentType: "text/csv", Content: []byte("a,b\n1,2\n")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fields["toAddress"] != "a@example.com" || fields["mailFormat"] != "html" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if !strings.HasPrefix(contentType, "multipart/related") {
		t.Fatalf("expected related content for inline images, got %q", contentType)
	}
	if !strings.Contains(fields["content"], "Content-Id: <image1@emailer>") {
		t.Fatalf("expected inline image part, got %q", fields["content"])
	}
	if len(files) != 1 || files[0] != "attachments:report.csv:a,b\n1,2\n" {
		t.Fatalf("unexpected attachments %v", files)
	}
}

func TestZohoRefreshesRejectedToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)
		if auth == "Zoho-oauthtoken stale" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"status":{"code":401,"description":"Invalid OAuthToken"},"data":{"errorCode":"INVALID_OAUTHTOKEN"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":{"code":200},"data":{"messageId":"z-3"}}`)
	}))
	defer srv.Close()

	tokens := &tokenStub{tokens: []string{"stale", "fresh"}}
	provider := newZoho(t, srv, tokens)
	resp, err := provider.Send(context.Background(), &emailprovider.Payload{MessageID: "m-3", To: []string{"a@example.com"}, Subject: "Hi", Body: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "z-3" || tokens.invalidated != 1 || len(seen) != 2 {
		t.Fatalf("expected one refresh and retry, got resp %+v invalidated %d calls %v", resp, tokens.invalidated, seen)
	}
}

func TestZohoSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"status":{"code":429,"description":"Too many requests"},"data":{"errorCode":"THROTTLED"}}`)
	}))
	defer srv.Close()

	tokens := &tokenStub{tokens: []string{"tok"}}
	provider := newZoho(t, srv, tokens)
	resp, err := provider.Send(context.Background(), &emailprovider.Payload{MessageID: "m-4", To: []string{"a@example.com"}, Subject: "Hi", Body: "Hi"})

	var httpErr *emailprovider.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 429 || httpErr.Code != "THROTTLED" || httpErr.Provider != "zoho" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if resp == nil || resp.Code != 429 {
		t.Fatalf("expected raw response with status, got %+v", resp)
	}
	if tokens.invalidated != 0 {
		t.Fatalf("did not expect token invalidation on 429")
	}
}

func TestNewZohoProviderValidation(t *testing.T) {
	if _, err := emailprovider.NewZohoProvider(config.ZohoConfig{APIDomain: "https://mail.zoho.com"}, &tokenStub{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing account id error")
	}
	if _, err := emailprovider.NewZohoProvider(config.ZohoConfig{AccountID: "1", APIDomain: "https://mail.zoho.com"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing token source error")
	}
}
