package progress_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/progress"
)

type kvStub struct {
	mu        sync.Mutex
	values    map[string]string
	ttls      map[string]time.Duration
	published []progress.Update
}

func newKVStub() *kvStub {
	return &kvStub{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (k *kvStub) SetWithTTL(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = string(value.([]byte))
	k.ttls[key] = ttl
	return nil
}

func (k *kvStub) GetString(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (k *kvStub) Delete(_ context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.values, key)
	}
	return nil
}

func (k *kvStub) Publish(_ context.Context, _ string, message interface{}) error {
	var u progress.Update
	if err := json.Unmarshal(message.([]byte), &u); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.published = append(k.published, u)
	return nil
}

func TestRedisMirrorWriteAndLoad(t *testing.T) {
	kv := newKVStub()
	mirror := progress.NewRedisMirror(kv, zerolog.New(io.Discard), progress.WithTTL(time.Minute), progress.WithKeyPrefix("p:"))
	ctx := context.Background()

	tr := progress.NewTracker()
	tr.Start("tab", nil, 2)
	tr.MarkCompleted("tab", 5)

	if err := mirror.Write(ctx, tr.Snapshot()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if kv.ttls["p:tab"] != time.Minute {
		t.Fatalf("expected ttl to be applied, got %s", kv.ttls["p:tab"])
	}

	st, ok, err := mirror.Load(ctx, "tab")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !st.Completed.Has(5) || st.Total != 2 {
		t.Fatalf("unexpected mirrored state %+v", st)
	}

	// Unchanged snapshot publishes nothing new.
	if err := mirror.Write(ctx, tr.Snapshot()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(kv.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(kv.published))
	}

	tr.Reset("tab")
	if err := mirror.Write(ctx, tr.Snapshot()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, _ := mirror.Load(ctx, "tab"); ok {
		t.Fatalf("expected key removed after reset")
	}
	last := kv.published[len(kv.published)-1]
	if !last.Ended || last.RunKey != "tab" {
		t.Fatalf("expected ended update, got %+v", last)
	}
}

func TestRedisMirrorRunFollowsTracker(t *testing.T) {
	kv := newKVStub()
	mirror := progress.NewRedisMirror(kv, zerolog.New(io.Discard))
	tr := progress.NewTracker()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mirror.Run(ctx, tr)
	}()

	tr.Start("run", nil, 1)
	tr.MarkCompleted("run", 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok, _ := mirror.Load(context.Background(), "run")
		if ok && st.Completed.Has(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror never caught up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
