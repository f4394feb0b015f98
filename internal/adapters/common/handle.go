package common

import (
	"context"
	"errors"
	"sync"

	"github.com/zigazaga4/emailer/internal/models"
)

// ErrNotConfigured is returned when a Handle has no builder.
var ErrNotConfigured = errors.New("adapter: transport not configured")

// Builder constructs an Adapter from the current credentials.
type Builder func() (Adapter, error)

// Handle is a lazily initialised Adapter that can be rebuilt wholesale when
// credentials change. Sends already running keep the adapter they started
// with; the next Send picks up the new one.
type Handle struct {
	mu      sync.Mutex
	build   Builder
	current Adapter
}

// NewHandle returns a Handle that builds its adapter on first use.
func NewHandle(build Builder) *Handle {
	return &Handle{build: build}
}

// Ready initialises the adapter if needed and reports setup failures such as
// missing credentials.
func (h *Handle) Ready(context.Context) error {
	_, err := h.get()
	return err
}

// Send implements Adapter.
func (h *Handle) Send(ctx context.Context, msg *models.Message) (*ProviderResponse, error) {
	adapter, err := h.get()
	if err != nil {
		return nil, WrapPermanent(err)
	}
	return adapter.Send(ctx, msg)
}

// Reset installs a new builder and drops the cached adapter.
func (h *Handle) Reset(build Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.build = build
	h.current = nil
}

// Swap replaces the cached adapter directly.
func (h *Handle) Swap(adapter Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = adapter
}

func (h *Handle) get() (Adapter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		return h.current, nil
	}
	if h.build == nil {
		return nil, ErrNotConfigured
	}
	adapter, err := h.build()
	if err != nil {
		return nil, err
	}
	h.current = adapter
	return adapter, nil
}
