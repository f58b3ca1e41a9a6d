package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// issuer spins up a test token endpoint that returns token-N with the given
// lifetime and counts requests.
func issuer(t *testing.T, lifetime time.Duration) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		expires := time.Now().Add(lifetime).UnixMilli()
		fmt.Fprintf(w, `{"token":"token-%d","expiresAt":%d}`, n, expires)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestToken_FetchesAndCaches(t *testing.T) {
	srv, calls := issuer(t, time.Hour)
	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Credential != "token-1" {
		t.Errorf("credential = %q, want token-1", tok.Credential)
	}

	// Second call must come from the cache.
	tok2, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok2.Credential != "token-1" {
		t.Errorf("credential = %q, want cached token-1", tok2.Credential)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuer calls = %d, want 1", got)
	}
}

func TestToken_RefreshesWithinBuffer(t *testing.T) {
	srv, calls := issuer(t, time.Hour)
	p, err := New(srv.URL, WithRefreshBuffer(30*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Advance the clock to 10s before expiry, inside the refresh buffer.
	p.now = func() time.Time { return time.Now().Add(time.Hour - 10*time.Second) }

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Credential != "token-2" {
		t.Errorf("credential = %q, want refreshed token-2", tok.Credential)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("issuer calls = %d, want 2", got)
	}
}

func TestToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		expires := time.Now().Add(time.Hour).UnixMilli()
		fmt.Fprintf(w, `{"token":"shared","expiresAt":%d}`, expires)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			results[i] = tok.Credential
			errs[i] = err
		}()
	}

	// Let all callers pile onto the in-flight request before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Errorf("caller %d credential = %q, want shared", i, results[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuer calls = %d, want 1", got)
	}
}

func TestToken_IssuerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, `{"error":"invalid client","code":"forbidden","timestamp":%d}`, time.Now().UnixMilli())
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Token(context.Background())
	if err == nil {
		t.Fatal("expected error from rejecting issuer")
	}
	if !types.IsCode(err, types.CodeAuth) {
		t.Errorf("error code: got %v, want auth", err)
	}
}

func TestToken_IssuerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // reject connections

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Token(context.Background()); !types.IsCode(err, types.CodeAuth) {
		t.Errorf("error code: got %v, want auth", err)
	}
}

func TestToken_CustomHeadersSent(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		expires := time.Now().Add(time.Hour).UnixMilli()
		fmt.Fprintf(w, `{"token":"t","expiresAt":%d}`, expires)
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithHeader("X-Api-Key", "secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("X-Api-Key = %q, want secret", gotKey)
	}
}

func TestClear_ForcesRefetch(t *testing.T) {
	srv, calls := issuer(t, time.Hour)
	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	p.Clear()
	p.Clear() // idempotent

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Credential != "token-2" {
		t.Errorf("credential = %q, want token-2 after Clear", tok.Credential)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("issuer calls = %d, want 2", got)
	}
}

func TestToken_EmptyTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"","expiresAt":0}`)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Token(context.Background()); !types.IsCode(err, types.CodeAuth) {
		t.Errorf("error code: got %v, want auth", err)
	}
}

func TestCredential(t *testing.T) {
	srv, _ := issuer(t, time.Hour)
	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cred, err := p.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != "token-1" {
		t.Errorf("credential = %q, want token-1", cred)
	}
}

func TestValidFor(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		tok    Token
		buffer time.Duration
		want   bool
	}{
		{"fresh", Token{Credential: "x", ExpiresAt: now.Add(time.Hour)}, 30 * time.Second, true},
		{"inside buffer", Token{Credential: "x", ExpiresAt: now.Add(10 * time.Second)}, 30 * time.Second, false},
		{"expired", Token{Credential: "x", ExpiresAt: now.Add(-time.Second)}, 0, false},
		{"empty", Token{}, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tok.ValidFor(now, tc.buffer); got != tc.want {
				t.Errorf("ValidFor = %v, want %v", got, tc.want)
			}
		})
	}
}
