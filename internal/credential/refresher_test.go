package credential_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/zigazaga4/emailer/internal/credential"
)

func TestRefresherCachesUntilSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int
	r := credential.NewRefresher(func(context.Context) (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: fmt.Sprintf("tok-%d", calls), Expiry: now.Add(time.Hour)}, nil
	}, credential.WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		tok, err := r.AccessToken(context.Background())
		if err != nil || tok != "tok-1" {
			t.Fatalf("got %q (%v)", tok, err)
		}
	}

	now = now.Add(56 * time.Minute)
	tok, err := r.AccessToken(context.Background())
	if err != nil || tok != "tok-2" {
		t.Fatalf("expected refresh inside the skew window, got %q (%v)", tok, err)
	}

	r.Invalidate()
	tok, _ = r.AccessToken(context.Background())
	if tok != "tok-3" || calls != 3 {
		t.Fatalf("expected refresh after invalidate, got %q after %d calls", tok, calls)
	}
}

func TestRefresherCoalescesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := credential.NewRefresher(func(context.Context) (*oauth2.Token, error) {
		calls.Add(1)
		<-release
		return &oauth2.Token{AccessToken: "shared", Expiry: time.Now().Add(time.Hour)}, nil
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := r.AccessToken(context.Background())
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = tok
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single refresh, got %d", calls.Load())
	}
	for i, tok := range results {
		if tok != "shared" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}
}

func TestRefresherErrors(t *testing.T) {
	boom := errors.New("invalid_grant")
	r := credential.NewRefresher(func(context.Context) (*oauth2.Token, error) { return nil, boom })
	if _, err := r.AccessToken(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	empty := credential.NewRefresher(func(context.Context) (*oauth2.Token, error) { return &oauth2.Token{}, nil })
	if _, err := empty.AccessToken(context.Background()); !errors.Is(err, credential.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestRefreshTokenFetcherPostsRefreshGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt" || r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			t.Errorf("unexpected form %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600,"api_domain":"https://www.zohoapis.com"}`)
	}))
	defer srv.Close()

	cfg := &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/oauth/v2/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	r := credential.NewRefresher(credential.RefreshTokenFetcher(cfg, "rt", srv.Client()))
	tok, err := r.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "at-1" || tok.Expiry.Before(time.Now().Add(50*time.Minute)) {
		t.Fatalf("unexpected token %+v", tok)
	}
}
