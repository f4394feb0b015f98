// Package retry sends one message through an adapter, retrying retryable
// failures with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	"github.com/zigazaga4/emailer/internal/models"
)

// Defaults for the retry budget and backoff curve.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultMaxJitter  = time.Second
)

// Config describes the attempt budget and backoff curve. MaxRetries counts
// retries, so a message gets at most MaxRetries+1 attempts.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// Hooks lets the caller observe the attempt loop. Any field may be nil.
type Hooks struct {
	// OnAttempt fires before every attempt; attempt is zero based.
	OnAttempt func(attempt int)
	// OnBackoff fires before sleeping after a retryable failure.
	OnBackoff func(attempt int, delay time.Duration, err error)
	// OnBackoffDone fires once the backoff sleep has elapsed.
	OnBackoffDone func()
}

// Outcome is the terminal result for one message.
type Outcome struct {
	Response *common.ProviderResponse
	Err      error
	Attempts int
}

// Succeeded reports whether the message was accepted by the provider.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Option customises a Policy.
type Option func(*Policy)

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Policy) {
		if !reflect.ValueOf(logger).IsZero() {
			p.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithRandSource seeds the jitter generator.
func WithRandSource(src rand.Source) Option {
	return func(p *Policy) {
		if src != nil {
			p.rnd = rand.New(src) // #nosec G404 -- jitter does not need crypto randomness.
		}
	}
}

// Policy runs the attempt loop for single messages. It is safe for concurrent
// use by several runs.
type Policy struct {
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New constructs a Policy, filling zero values with the defaults. A negative
// MaxRetries disables retries.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}

	p := &Policy{
		cfg:    cfg,
		logger: zerolog.Nop(),
		sleep:  wait,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// DefaultConfig returns the stock retry settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxJitter:  DefaultMaxJitter,
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// Send delivers msg through adapter, retrying retryable failures. The returned
// outcome carries the last error when every attempt failed or a failure was
// not retryable.
func (p *Policy) Send(ctx context.Context, adapter common.Adapter, msg *models.Message, hooks Hooks) Outcome {
	attempt := 0
	for {
		if hooks.OnAttempt != nil {
			hooks.OnAttempt(attempt)
		}

		resp, err := adapter.Send(ctx, msg)
		if err == nil {
			return Outcome{Response: resp, Attempts: attempt + 1}
		}

		logEvent := p.logger.With().
			Str("message_id", msg.MessageID).
			Str("channel", msg.Channel).
			Int("attempt", attempt).
			Logger()

		if !IsRetryable(err) || attempt >= p.cfg.MaxRetries {
			logEvent.Debug().Err(err).Bool("retryable", IsRetryable(err)).Msg("retry: giving up on message")
			return Outcome{Response: resp, Err: err, Attempts: attempt + 1}
		}

		delay := p.Delay(attempt)
		logEvent.Info().Dur("backoff", delay).Err(err).Msg("retry: scheduling retry after transient error")
		if hooks.OnBackoff != nil {
			hooks.OnBackoff(attempt, delay, err)
		}
		sleepErr := p.sleep(ctx, delay)
		if hooks.OnBackoffDone != nil {
			hooks.OnBackoffDone()
		}
		if sleepErr != nil {
			return Outcome{Response: resp, Err: errors.Join(err, sleepErr), Attempts: attempt + 1}
		}

		attempt++
	}
}

// Backoff returns the delay before retrying after the given zero based
// attempt, without jitter: min(base * 2^attempt, max).
func (p *Policy) Backoff(attempt int) time.Duration {
	if p.cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if raw >= float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(raw)
}

// Delay is Backoff plus a random jitter in [0, MaxJitter).
func (p *Policy) Delay(attempt int) time.Duration {
	return p.Backoff(attempt) + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	if p.cfg.MaxJitter <= 0 {
		return 0
	}

	p.randMu.Lock()
	defer p.randMu.Unlock()

	return time.Duration(p.rnd.Int63n(int64(p.cfg.MaxJitter)))
}

func wait(ctx context.Context, d time.Duration) error {
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
