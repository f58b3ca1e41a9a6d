// Package auth obtains and caches the short-lived session tokens that
// authorize streaming connections to the voice service.
//
// The token endpoint is an external collaborator: a POST returns
// {token, expiresAt} on success or {error, code, timestamp} with a non-2xx
// status on failure. The provider caches the last issued token and
// deduplicates concurrent refreshes so that at most one request is in flight
// at any time.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/types"
)

// DefaultRefreshBuffer is subtracted from a token's expiry when judging
// validity, so a token is refreshed before it actually lapses.
const DefaultRefreshBuffer = 30 * time.Second

// Token is a short-lived session credential. Tokens are immutable once
// issued; the provider replaces them, never mutates them in place.
type Token struct {
	// Credential is the opaque token string attached to connection URLs.
	Credential string

	// ExpiresAt is the instant the issuer declared the token invalid.
	ExpiresAt time.Time
}

// ValidFor reports whether the token remains usable for at least buffer
// beyond now.
func (t Token) ValidFor(now time.Time, buffer time.Duration) bool {
	return t.Credential != "" && now.Add(buffer).Before(t.ExpiresAt)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithRefreshBuffer sets how long before expiry a cached token is treated as
// stale.
func WithRefreshBuffer(d time.Duration) Option {
	return func(p *Provider) {
		p.refreshBuffer = d
	}
}

// WithHeader adds a custom header sent on every token request.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		p.headers[key] = value
	}
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// Provider fetches and caches session tokens. Safe for concurrent use.
type Provider struct {
	endpoint      string
	headers       map[string]string
	refreshBuffer time.Duration
	httpClient    *http.Client
	metrics       *observe.Metrics

	// now is stubbed in tests.
	now func() time.Time

	mu     sync.Mutex
	cached Token

	group singleflight.Group
}

// New creates a Provider for the given token endpoint. endpoint must be
// non-empty.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("auth: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:      endpoint,
		headers:       make(map[string]string),
		refreshBuffer: DefaultRefreshBuffer,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// tokenResponse is the issuer's success body.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // epoch ms
}

// errorResponse is the issuer's failure body.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// Token returns a valid session token, fetching a fresh one when the cache
// is empty or within the refresh buffer of expiry. Concurrent callers share
// a single in-flight fetch. Issuer failures surface as auth errors without
// internal retries; reconnection policy belongs to the connection
// controller.
func (p *Provider) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached.ValidFor(p.now(), p.refreshBuffer) {
		return cached, nil
	}

	v, err, shared := p.group.Do("token", func() (any, error) {
		tok, err := p.fetch(ctx)
		if err != nil {
			return Token{}, err
		}
		p.mu.Lock()
		p.cached = tok
		p.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	if shared {
		slog.Debug("token refresh shared with concurrent caller")
	}
	return v.(Token), nil
}

// Credential returns the raw token string for attaching to connection URLs.
// It satisfies the transport's token source interface.
func (p *Provider) Credential(ctx context.Context) (string, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Credential, nil
}

// Clear discards the cached token. Idempotent; the next Token call fetches a
// fresh credential.
func (p *Provider) Clear() {
	p.mu.Lock()
	p.cached = Token{}
	p.mu.Unlock()
}

// fetch performs one POST against the token endpoint.
func (p *Provider) fetch(ctx context.Context) (tok Token, err error) {
	start := p.now()
	defer func() {
		observe.RecordStatus(ctx, p.metrics.TokenFetchDuration, p.now().Sub(start), err == nil)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(nil))
	if err != nil {
		return Token{}, types.Errorf(types.CodeAuth, "auth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, types.Errorf(types.CodeAuth, "auth: token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, types.Errorf(types.CodeAuth, "auth: read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return Token{}, types.Errorf(types.CodeAuth, "auth: token issuer rejected request: %s", er.Error)
		}
		return Token{}, types.Errorf(types.CodeAuth, "auth: token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, types.Errorf(types.CodeAuth, "auth: decode token response: %w", err)
	}
	if tr.Token == "" {
		return Token{}, types.NewError(types.CodeAuth, "auth: token issuer returned an empty token")
	}

	return Token{
		Credential: tr.Token,
		ExpiresAt:  time.UnixMilli(tr.ExpiresAt),
	}, nil
}
