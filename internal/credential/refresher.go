// Package credential caches OAuth access tokens and coalesces concurrent
// refreshes into a single upstream call.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultSkew is how long before expiry a cached token is considered stale.
const DefaultSkew = 5 * time.Minute

// ErrNoToken is returned when a refresh yields an empty access token.
var ErrNoToken = errors.New("credential: refresh returned no access token")

// Fetcher obtains a fresh token from the authorization server.
type Fetcher func(ctx context.Context) (*oauth2.Token, error)

// RefreshTokenFetcher exchanges a long lived refresh token for an access
// token using cfg's token endpoint. client may be nil.
func RefreshTokenFetcher(cfg *oauth2.Config, refreshToken string, client *http.Client) Fetcher {
	return func(ctx context.Context) (*oauth2.Token, error) {
		if client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}
		// A fresh source per refresh so the oauth2 package never serves its
		// own cached copy.
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return nil, fmt.Errorf("credential: refresh: %w", err)
		}
		return tok, nil
	}
}

// Option customises a Refresher.
type Option func(*Refresher)

// WithSkew overrides DefaultSkew.
func WithSkew(skew time.Duration) Option {
	return func(r *Refresher) {
		if skew >= 0 {
			r.skew = skew
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// Refresher hands out a cached access token, refreshing it when it is about
// to expire. Callers arriving during a refresh wait for that refresh.
type Refresher struct {
	fetch Fetcher
	skew  time.Duration
	now   func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
	gen   uint64

	group singleflight.Group
}

// NewRefresher constructs a Refresher around fetch.
func NewRefresher(fetch Fetcher, opts ...Option) *Refresher {
	r := &Refresher{fetch: fetch, skew: DefaultSkew, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AccessToken returns a valid access token.
func (r *Refresher) AccessToken(ctx context.Context) (string, error) {
	tok, err := r.current(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Token implements oauth2.TokenSource.
func (r *Refresher) Token() (*oauth2.Token, error) {
	return r.current(context.Background())
}

// Invalidate drops the cached token so the next call refreshes. Use it after
// the provider rejects a token.
func (r *Refresher) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = nil
	r.gen++
}

func (r *Refresher) current(ctx context.Context) (*oauth2.Token, error) {
	r.mu.Lock()
	tok, gen := r.token, r.gen
	r.mu.Unlock()
	if r.fresh(tok) {
		return tok, nil
	}

	ch := r.group.DoChan("token", func() (any, error) {
		// The refresh outlives any single caller's cancellation.
		fetched, err := r.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if fetched == nil || fetched.AccessToken == "" {
			return nil, ErrNoToken
		}
		r.mu.Lock()
		if r.gen == gen {
			r.token = fetched
		}
		r.mu.Unlock()
		return fetched, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (r *Refresher) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return r.now().Add(r.skew).Before(tok.Expiry)
}
