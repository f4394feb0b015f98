package email

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario selects how the mock backend answers.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
	// ScenarioRateLimited answers like an HTTP API returning 429.
	ScenarioRateLimited Scenario = "rate_limited"
	// ScenarioFlaky fails the first attempt of every message with a 451 and
	// accepts the retry.
	ScenarioFlaky Scenario = "flaky"

	headerScenario = "X-Mock-Provider-Scenario"
	headerLatency  = "X-Mock-Provider-Latency"
)

var knownScenarios = map[string]Scenario{
	string(ScenarioSuccess):     ScenarioSuccess,
	string(ScenarioTransient):   ScenarioTransient,
	string(ScenarioPermanent):   ScenarioPermanent,
	string(ScenarioTimeout):     ScenarioTimeout,
	string(ScenarioRateLimited): ScenarioRateLimited,
	"ratelimited":               ScenarioRateLimited,
	string(ScenarioFlaky):       ScenarioFlaky,
}

// Option customizes the mock provider.
type Option func(*MockProvider)

// WithLatency sets the simulated send latency range. Negative bounds clamp to
// zero.
func WithLatency(lo, hi time.Duration) Option {
	return func(p *MockProvider) {
		p.minLatency = max(lo, 0)
		p.maxLatency = max(hi, p.minLatency)
	}
}

// WithDefaultScenario sets the answer for messages that select none.
func WithDefaultScenario(s Scenario) Option {
	return func(p *MockProvider) { p.defaultScenario = s }
}

// WithRandomSeed makes latency sampling and generated ids deterministic.
func WithRandomSeed(seed int64) Option {
	return func(p *MockProvider) {
		p.rnd = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic seed for tests.
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider accepts mail without touching the network. It backs the "mock"
// EMAIL_PROVIDER setting, which makes whole runs dry runs.
//
// The scenario for a message comes from, in order: the
// X-Mock-Provider-Scenario header, a "+scenario" tag in the local part of the
// first recipient (reader+permanent@example.com), the default scenario.
type MockProvider struct {
	logger          zerolog.Logger
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario
	now             func() time.Time

	mu       sync.Mutex
	rnd      *rand.Rand
	sent     []Payload
	attempts map[string]int
}

// NewMockProvider returns a mock that succeeds after 25-75ms.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger,
		minLatency:      25 * time.Millisecond,
		maxLatency:      75 * time.Millisecond,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
		attempts:        make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements Provider.
func (p *MockProvider) Name() string { return "mock" }

// Send records the payload and answers according to its scenario.
func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("mock provider: payload is required")
	}
	if len(payload.To)+len(payload.CC)+len(payload.BCC) == 0 {
		return nil, errors.New("mock provider: at least one recipient is required")
	}

	if err := sleepCtx(ctx, p.latencyFor(payload)); err != nil {
		return nil, err
	}

	scenario := p.scenarioFor(payload)
	attempt := p.record(payload)
	if scenario == ScenarioFlaky {
		scenario = ScenarioSuccess
		if attempt == 1 {
			scenario = ScenarioTransient
		}
	}
	p.logger.Debug().
		Str("scenario", string(scenario)).
		Str("message_id", payload.MessageID).
		Int("attempt", attempt).
		Msg("mock email provider invoked")

	switch scenario {
	case ScenarioPermanent:
		resp := p.response(payload, 550, "mock: mailbox unavailable")
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioTransient:
		resp := p.response(payload, 451, "mock: requested action aborted, try again later")
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioRateLimited:
		resp := p.response(payload, 429, "mock: too many requests")
		return resp, &HTTPError{Provider: "mock", StatusCode: resp.Code, Message: resp.Body}
	case ScenarioTimeout:
		if err := sleepCtx(ctx, p.maxLatency+p.minLatency); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	}
	return p.response(payload, 250, "mock: message queued"), nil
}

// Sent returns copies of every payload handed to Send, retries included.
func (p *MockProvider) Sent() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Payload(nil), p.sent...)
}

// record stores payload and returns how many times its message id was seen.
func (p *MockProvider) record(payload *Payload) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, *payload)
	p.attempts[payload.MessageID]++
	return p.attempts[payload.MessageID]
}

func (p *MockProvider) scenarioFor(payload *Payload) Scenario {
	if value, ok := pickHeader(payload.Headers, headerScenario); ok {
		if s, known := knownScenarios[strings.ToLower(strings.TrimSpace(value))]; known {
			return s
		}
		if strings.TrimSpace(value) != "" {
			return ScenarioSuccess
		}
	}
	if len(payload.To) > 0 {
		if s, ok := addressTag(payload.To[0]); ok {
			return s
		}
	}
	return p.defaultScenario
}

// addressTag reads the "+tag" sub-address of addr.
func addressTag(addr string) (Scenario, bool) {
	local, _, found := strings.Cut(strings.TrimSpace(addr), "@")
	if !found {
		return "", false
	}
	_, tag, found := strings.Cut(local, "+")
	if !found {
		return "", false
	}
	s, ok := knownScenarios[strings.ToLower(tag)]
	return s, ok
}

func (p *MockProvider) latencyFor(payload *Payload) time.Duration {
	if value, ok := pickHeader(payload.Headers, headerLatency); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d >= 0 {
			return d
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxLatency <= p.minLatency {
		return p.minLatency
	}
	return p.minLatency + time.Duration(p.rnd.Int63n(int64(p.maxLatency-p.minLatency)+1))
}

func (p *MockProvider) response(payload *Payload, code int, body string) *RawResponse {
	id := payload.MessageID
	if id == "" {
		p.mu.Lock()
		id = fmt.Sprintf("mock-%08x", p.rnd.Uint32())
		p.mu.Unlock()
	}
	return &RawResponse{ID: id, Code: code, Body: body, Timestamp: p.now()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pickHeader(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
