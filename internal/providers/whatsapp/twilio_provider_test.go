package whatsapp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
	waprovider "github.com/zigazaga4/emailer/internal/providers/whatsapp"
)

func twilioConfig() config.TwilioConfig {
	return config.TwilioConfig{
		AccountSID:   "AC123",
		AuthToken:    "secret",
		WhatsAppFrom: "+15550001111",
	}
}

func newTwilio(t *testing.T, srv *httptest.Server, cfg config.TwilioConfig) *waprovider.TwilioProvider {
	t.Helper()
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	provider, err := waprovider.NewTwilioProvider(cfg, zerolog.New(io.Discard),
		waprovider.WithTwilioHTTPClient(srv.Client()),
		waprovider.WithTwilioBaseURL(srv.URL),
		waprovider.WithTwilioClock(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	return provider
}

func captureForm(t *testing.T, form *url.Values, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Messages.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("unexpected basic auth %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		*form = r.PostForm
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestTwilioSendsTemplate(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(captureForm(t, &form, http.StatusCreated, `{"sid":"SM1","status":"queued"}`))
	defer srv.Close()

	cfg := twilioConfig()
	cfg.StatusCallback = "https://hooks.example.com/twilio"
	provider := newTwilio(t, srv, cfg)

	resp, err := provider.Send(context.Background(), &waprovider.Payload{
		MessageID:        "m-1",
		To:               "+447700900123",
		ContentSID:       "HX0123456789abcdef0123456789abcdef",
		ContentVariables: map[string]string{"1": "Ada"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "SM1" || resp.Status != "queued" || resp.Code != http.StatusCreated {
		t.Fatalf("unexpected response %+v", resp)
	}

	if form.Get("To") != "whatsapp:+447700900123" || form.Get("From") != "whatsapp:+15550001111" {
		t.Fatalf("unexpected addressing %v", form)
	}
	if form.Get("ContentSid") != "HX0123456789abcdef0123456789abcdef" || form.Get("Body") != "" {
		t.Fatalf("expected template send, got %v", form)
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(form.Get("ContentVariables")), &vars); err != nil || vars["1"] != "Ada" {
		t.Fatalf("unexpected content variables %q", form.Get("ContentVariables"))
	}
	if form.Get("StatusCallback") != "https://hooks.example.com/twilio" {
		t.Fatalf("expected default status callback, got %v", form)
	}
}

func TestTwilioSendsFreeformBody(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(captureForm(t, &form, http.StatusCreated, `{"sid":"SM2","status":"queued"}`))
	defer srv.Close()

	provider := newTwilio(t, srv, twilioConfig())
	_, err := provider.Send(context.Background(), &waprovider.Payload{
		MessageID: "m-2",
		From:      "whatsapp:+15559998888",
		To:        "whatsapp:+447700900123",
		Body:      "Hello there",
		Meta:      map[string]string{"scenario": "ignored", "to": "+1000", "validity_period": "600"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if form.Get("Body") != "Hello there" || form.Get("From") != "whatsapp:+15559998888" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("To") != "whatsapp:+447700900123" {
		t.Fatalf("meta must not override reserved params, got %v", form)
	}
	if form.Get("ValidityPeriod") != "600" || form.Get("Scenario") != "" {
		t.Fatalf("unexpected meta passthrough %v", form)
	}
}

func TestTwilioFallsBackToConfiguredTemplate(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(captureForm(t, &form, http.StatusCreated, `{"sid":"SM3"}`))
	defer srv.Close()

	cfg := twilioConfig()
	cfg.TemplateContentSID = "HXdefault"
	provider := newTwilio(t, srv, cfg)
	if _, err := provider.Send(context.Background(), &waprovider.Payload{To: "+447700900123"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if form.Get("ContentSid") != "HXdefault" {
		t.Fatalf("expected configured template, got %v", form)
	}
}

func TestTwilioReportsAPIErrors(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(captureForm(t, &form, http.StatusBadRequest,
		`{"code":21211,"message":"The 'To' number is not a valid phone number.","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`))
	defer srv.Close()

	provider := newTwilio(t, srv, twilioConfig())
	resp, err := provider.Send(context.Background(), &waprovider.Payload{MessageID: "m-4", To: "+1", Body: "x"})

	var apiErr *waprovider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Code != 21211 || apiErr.MoreInfo == "" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if resp == nil || resp.Code != 400 {
		t.Fatalf("expected raw response, got %+v", resp)
	}
}

func TestTwilioFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/Accounts/AC123/Messages/SM9.json" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"sid":"SM9","status":"delivered"}`)
	}))
	defer srv.Close()

	resp, err := newTwilio(t, srv, twilioConfig()).Fetch(context.Background(), "SM9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "delivered" || resp.ID != "SM9" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestNewTwilioProviderValidation(t *testing.T) {
	for name, cfg := range map[string]config.TwilioConfig{
		"missing sid":   {AuthToken: "x", WhatsAppFrom: "+1555"},
		"missing token": {AccountSID: "AC1", WhatsAppFrom: "+1555"},
		"missing from":  {AccountSID: "AC1", AuthToken: "x"},
	} {
		if _, err := waprovider.NewTwilioProvider(cfg, zerolog.Nop()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTwilioFetchReportsDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sid":"SM7","status":"undelivered","error_code":"63016","error_message":"Outside the allowed window"}`)
	}))
	defer srv.Close()

	resp, err := newTwilio(t, srv, twilioConfig()).Fetch(context.Background(), "SM7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "undelivered" || resp.ErrorCode != 63016 || resp.ErrorMessage == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestTwilioKeepsNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream unavailable")
	}))
	defer srv.Close()

	_, err := newTwilio(t, srv, twilioConfig()).Send(context.Background(), &waprovider.Payload{To: "+447700900123", Body: "x"})
	var apiErr *waprovider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream unavailable" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTwilioRequiresContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	if _, err := newTwilio(t, srv, twilioConfig()).Send(context.Background(), &waprovider.Payload{To: "+447700900123"}); err == nil {
		t.Fatal("expected error without body, media or template")
	}
}
