package whatsapp

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

// Scenario selects how the mock answers.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
	// ScenarioOptedOut answers like a recipient who blocked the sender.
	ScenarioOptedOut Scenario = "opted_out"
)

// magicNumbers mirrors the Twilio test credential numbers so that dry runs
// against a contact list can exercise failures without touching the API.
var magicNumbers = map[string]Scenario{
	"+15005550001": ScenarioPermanent,
	"+15005550004": ScenarioOptedOut,
	"+15005550009": ScenarioTransient,
}

// mockFailures are the Twilio shaped rejections the mock produces.
var mockFailures = map[Scenario]APIError{
	ScenarioTransient: {StatusCode: 429, Code: 63018, Message: "mock: rate limit exceeded"},
	ScenarioPermanent: {StatusCode: 400, Code: 21211, Message: "mock: invalid 'To' phone number"},
	ScenarioOptedOut:  {StatusCode: 400, Code: 21610, Message: "mock: attempt to send to unsubscribed recipient"},
}

// Option customises the mock provider.
type Option func(*MockProvider)

// WithScenario overrides the default scenario.
func WithScenario(s Scenario) Option {
	return func(p *MockProvider) { p.defaultScenario = s }
}

// WithLatency sets the delay before every answer.
func WithLatency(d time.Duration) Option {
	return func(p *MockProvider) { p.latency = max(d, 0) }
}

// WithClock swaps the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider accepts WhatsApp messages without calling out. It backs the
// "mock" WHATSAPP_PROVIDER setting. Payload.Meta["scenario"] picks the
// answer; otherwise Twilio's magic test numbers do, then the default.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	latency         time.Duration
	now             func() time.Time

	mu       sync.Mutex
	rnd      *rand.Rand
	sent     []Payload
	accepted map[string]time.Time
}

// NewMockProvider constructs a mock WhatsApp provider.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		latency:         25 * time.Millisecond,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
		accepted:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name identifies the backend.
func (p *MockProvider) Name() string { return "mock" }

// Sent returns copies of the accepted payloads.
func (p *MockProvider) Sent() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Payload(nil), p.sent...)
}

// Send answers like the Messages API would for payload.
func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("whatsapp mock: payload is required")
	}
	to := strings.TrimPrefix(strings.TrimSpace(payload.To), whatsappPrefix)
	if to == "" {
		return nil, errors.New("whatsapp mock: recipient is required")
	}
	if err := p.wait(ctx, p.latency); err != nil {
		return nil, err
	}

	scenario := p.scenarioFor(to, payload.Meta)
	p.logger.Debug().Str("scenario", string(scenario)).Str("message_id", payload.MessageID).Msg("mock whatsapp provider invoked")

	if scenario == ScenarioTimeout {
		if err := p.wait(ctx, p.latency); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	}

	resp := &RawResponse{Timestamp: p.now()}
	if failure, ok := mockFailures[scenario]; ok {
		failure.Provider = "mock"
		resp.Code = failure.StatusCode
		resp.Status = "failed"
		resp.Body = fmt.Sprintf(`{"code":%d,"message":%q,"status":%d}`, failure.Code, failure.Message, failure.StatusCode)
		return resp, &failure
	}

	resp.ID = p.newSID()
	resp.Code = 201
	resp.Status = "queued"
	resp.Body = fmt.Sprintf(`{"sid":%q,"status":"queued","to":%q}`, resp.ID, whatsappPrefix+to)

	p.mu.Lock()
	p.sent = append(p.sent, *payload)
	p.accepted[resp.ID] = resp.Timestamp
	p.mu.Unlock()
	return resp, nil
}

// Fetch reports accepted messages as delivered and unknown sids as 404.
func (p *MockProvider) Fetch(_ context.Context, sid string) (*RawResponse, error) {
	p.mu.Lock()
	at, ok := p.accepted[strings.TrimSpace(sid)]
	p.mu.Unlock()
	if !ok {
		return &RawResponse{ID: sid, Code: 404, Status: "failed"},
			&APIError{Provider: "mock", StatusCode: 404, Code: 20404, Message: "mock: message not found"}
	}
	return &RawResponse{ID: sid, Code: 200, Status: "delivered", Timestamp: at}, nil
}

func (p *MockProvider) scenarioFor(to string, meta map[string]string) Scenario {
	if val := strings.ToLower(strings.TrimSpace(meta["scenario"])); val != "" {
		return Scenario(val)
	}
	if s, ok := magicNumbers[to]; ok {
		return s
	}
	return p.defaultScenario
}

func (p *MockProvider) newSID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("SM%016x%016x", p.rnd.Uint64(), p.rnd.Uint64())
}

func (p *MockProvider) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
