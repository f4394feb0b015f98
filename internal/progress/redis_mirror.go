package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KV is the subset of the Redis wrapper used by the mirror.
type KV interface {
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Update is the message published on the progress channel.
type Update struct {
	RunKey string `json:"run_key"`
	State  *State `json:"state,omitempty"`
	Ended  bool   `json:"ended,omitempty"`
}

// MirrorOption customises a RedisMirror.
type MirrorOption func(*RedisMirror)

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) MirrorOption {
	return func(m *RedisMirror) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithChannel overrides the pub/sub channel.
func WithChannel(channel string) MirrorOption {
	return func(m *RedisMirror) {
		if channel != "" {
			m.channel = channel
		}
	}
}

// WithTTL overrides the per-key expiry.
func WithTTL(ttl time.Duration) MirrorOption {
	return func(m *RedisMirror) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// RedisMirror copies tracker snapshots into Redis so other processes can read
// or subscribe to progress.
type RedisMirror struct {
	kv      KV
	logger  zerolog.Logger
	prefix  string
	channel string
	ttl     time.Duration

	last map[string]State
}

// NewRedisMirror constructs a mirror over kv.
func NewRedisMirror(kv KV, logger zerolog.Logger, opts ...MirrorOption) *RedisMirror {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &RedisMirror{
		kv:      kv,
		logger:  logger,
		prefix:  "emailer:progress:",
		channel: "emailer:progress",
		ttl:     time.Hour,
		last:    make(map[string]State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run mirrors every snapshot published by t until ctx is done.
func (m *RedisMirror) Run(ctx context.Context, t *Tracker) error {
	updates, cancel := t.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := m.Write(ctx, snap); err != nil {
				m.logger.Warn().Err(err).Msg("progress mirror write failed")
			}
		}
	}
}

// Write stores changed states, removes ended keys and publishes one update per
// change. It must not be called concurrently.
func (m *RedisMirror) Write(ctx context.Context, snap Snapshot) error {
	var errs []error
	for key, st := range snap {
		if prev, ok := m.last[key]; ok && sameState(prev, st) {
			continue
		}
		st := st
		payload, err := json.Marshal(st)
		if err != nil {
			errs = append(errs, fmt.Errorf("progress mirror: marshal %s: %w", key, err))
			continue
		}
		if err := m.kv.SetWithTTL(ctx, m.prefix+key, payload, m.ttl); err != nil {
			errs = append(errs, fmt.Errorf("progress mirror: set %s: %w", key, err))
			continue
		}
		m.last[key] = st
		m.publish(ctx, Update{RunKey: key, State: &st}, &errs)
	}

	for key := range m.last {
		if _, ok := snap[key]; ok {
			continue
		}
		if err := m.kv.Delete(ctx, m.prefix+key); err != nil {
			errs = append(errs, fmt.Errorf("progress mirror: delete %s: %w", key, err))
			continue
		}
		delete(m.last, key)
		m.publish(ctx, Update{RunKey: key, Ended: true}, &errs)
	}

	return errors.Join(errs...)
}

// Load reads the mirrored state for key. The boolean is false when no state
// is stored.
func (m *RedisMirror) Load(ctx context.Context, key string) (State, bool, error) {
	raw, err := m.kv.GetString(ctx, m.prefix+key)
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("progress mirror: get %s: %w", key, err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false, fmt.Errorf("progress mirror: decode %s: %w", key, err)
	}
	return st, true, nil
}

func (m *RedisMirror) publish(ctx context.Context, u Update, errs *[]error) {
	payload, err := json.Marshal(u)
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	if err := m.kv.Publish(ctx, m.channel, payload); err != nil {
		*errs = append(*errs, fmt.Errorf("progress mirror: publish %s: %w", u.RunKey, err))
	}
}

func sameState(a, b State) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
