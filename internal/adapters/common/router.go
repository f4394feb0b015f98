package common

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zigazaga4/emailer/internal/models"
)

// Router sends each message through the handle registered for its channel.
type Router struct {
	handles map[string]*Handle
}

// NewRouter builds a router over handles keyed by channel name.
func NewRouter(handles map[string]*Handle) *Router {
	r := &Router{handles: make(map[string]*Handle, len(handles))}
	for channel, h := range handles {
		if h != nil {
			r.handles[strings.ToLower(channel)] = h
		}
	}
	return r
}

// Handle returns the handle for channel, or nil.
func (r *Router) Handle(channel string) *Handle {
	return r.handles[strings.ToLower(channel)]
}

// Channels lists the routed channels in sorted order.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.handles))
	for c := range r.handles {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ReadyFor initialises the handle for channel and reports setup failures.
func (r *Router) ReadyFor(ctx context.Context, channel string) error {
	h := r.Handle(channel)
	if h == nil {
		return fmt.Errorf("%w: channel %q", ErrNotConfigured, channel)
	}
	return h.Ready(ctx)
}

// Send implements Adapter.
func (r *Router) Send(ctx context.Context, msg *models.Message) (*ProviderResponse, error) {
	if msg == nil {
		return nil, WrapPermanent(errors.New("adapter: message is nil"))
	}
	h := r.Handle(msg.Channel)
	if h == nil {
		return nil, WrapPermanent(fmt.Errorf("%w: channel %q", ErrNotConfigured, msg.Channel))
	}
	return h.Send(ctx, msg)
}
