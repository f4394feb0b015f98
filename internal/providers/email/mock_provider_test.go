package email_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	emailprovider "github.com/zigazaga4/emailer/internal/providers/email"
)

func mockPayload(scenario emailprovider.Scenario) *emailprovider.Payload {
	p := &emailprovider.Payload{
		MessageID: "message-123",
		From:      "news@example.com",
		To:        []string{"reader@example.com"},
		Headers:   map[string]string{},
	}
	if scenario != "" {
		p.Headers["X-Mock-Provider-Scenario"] = string(scenario)
	}
	return p
}

func TestMockProviderSuccess(t *testing.T) {
	fixed := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	provider := emailprovider.NewMockProvider(
		zerolog.Nop(),
		emailprovider.WithLatency(0, 0),
		emailprovider.WithClock(func() time.Time { return fixed }),
	)

	payload := mockPayload("")
	resp, err := provider.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("expected success, got error %v", err)
	}
	if resp.Code != 250 || resp.Body != "mock: message queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.Timestamp.Equal(fixed) || resp.ID != payload.MessageID {
		t.Fatalf("unexpected response identity %+v", resp)
	}
	if provider.Name() != "mock" {
		t.Fatalf("unexpected name %q", provider.Name())
	}
	if sent := provider.Sent(); len(sent) != 1 || sent[0].To[0] != "reader@example.com" {
		t.Fatalf("expected payload to be recorded, got %+v", sent)
	}
}

func TestMockProviderScenarios(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))

	resp, err := provider.Send(context.Background(), mockPayload(emailprovider.ScenarioPermanent))
	if err == nil || resp == nil || resp.Code != 550 || !strings.Contains(err.Error(), "smtp 550") {
		t.Fatalf("expected smtp 550, got %+v / %v", resp, err)
	}

	resp, err = provider.Send(context.Background(), mockPayload(emailprovider.ScenarioTransient))
	if err == nil || resp == nil || resp.Code != 451 {
		t.Fatalf("expected smtp 451, got %+v / %v", resp, err)
	}

	_, err = provider.Send(context.Background(), mockPayload(emailprovider.ScenarioRateLimited))
	var httpErr *emailprovider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 429 {
		t.Fatalf("expected http 429 error, got %v", err)
	}
}

func TestMockProviderTimeoutScenario(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(10*time.Millisecond, 10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := provider.Send(ctx, mockPayload(emailprovider.ScenarioTimeout))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestMockProviderLatencyHeaderOverride(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))

	payload := mockPayload("")
	payload.Headers["x-mock-provider-latency"] = "15ms"

	start := time.Now()
	if _, err := provider.Send(context.Background(), payload); err != nil {
		t.Fatalf("unexpected send error %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected latency override of at least 15ms, got %v", elapsed)
	}
}

func TestMockProviderDefaultScenarioOption(t *testing.T) {
	provider := emailprovider.NewMockProvider(
		zerolog.Nop(),
		emailprovider.WithLatency(0, 0),
		emailprovider.WithDefaultScenario(emailprovider.ScenarioPermanent),
	)

	_, err := provider.Send(context.Background(), mockPayload(""))
	if err == nil || !strings.Contains(err.Error(), "smtp 550") {
		t.Fatalf("expected default permanent scenario to trigger 550, got %v", err)
	}
}

func TestMockProviderRequiresRecipient(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))
	if _, err := provider.Send(context.Background(), &emailprovider.Payload{MessageID: "x"}); err == nil {
		t.Fatalf("expected error without recipients")
	}
}

func TestMockProviderAddressTagSelectsScenario(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))

	cases := map[string]int{
		"reader+permanent@example.com":    550,
		"reader+Transient@example.com":    451,
		"reader+rate_limited@example.com": 429,
		"reader+newsletter@example.com":   250,
		"reader@example.com":              250,
	}
	for addr, want := range cases {
		resp, _ := provider.Send(context.Background(), &emailprovider.Payload{MessageID: addr, To: []string{addr}})
		if resp == nil || resp.Code != want {
			t.Fatalf("%s: expected code %d, got %+v", addr, want, resp)
		}
	}
}

func TestMockProviderHeaderBeatsAddressTag(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))
	payload := mockPayload(emailprovider.ScenarioSuccess)
	payload.To = []string{"reader+permanent@example.com"}
	if _, err := provider.Send(context.Background(), payload); err != nil {
		t.Fatalf("expected header scenario to win, got %v", err)
	}
}

func TestMockProviderFlakyFailsFirstAttemptOnly(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0, 0))
	payload := mockPayload(emailprovider.ScenarioFlaky)

	resp, err := provider.Send(context.Background(), payload)
	if err == nil || resp.Code != 451 {
		t.Fatalf("expected first attempt to fail with 451, got %+v / %v", resp, err)
	}
	resp, err = provider.Send(context.Background(), payload)
	if err != nil || resp.Code != 250 {
		t.Fatalf("expected retry to succeed, got %+v / %v", resp, err)
	}
	if len(provider.Sent()) != 2 {
		t.Fatalf("expected both attempts recorded")
	}
}
