// Package gateway is the single egress point for every call the console
// client makes against the compliance API. It owns the 401 refresh-and-retry
// protocol: the bearer token is read fresh from the credential store per
// attempt, a 401 triggers at most one refresh exchange shared by all
// concurrent failures, and the original request is re-issued at most once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"compligate.org/internal/credstore"
	"compligate.org/internal/ids"
	"compligate.org/internal/obs"
)

const (
	refreshPath      = "accounts/auth/token/refresh/"
	maxResponseBytes = 10 << 20
)

var (
	// ErrNetwork marks a transport-level failure: no response arrived, so it
	// carries no information about credential validity and never triggers the
	// refresh protocol.
	ErrNetwork = errors.New("gateway: network unavailable")

	// ErrSessionInvalid marks a credential-fatal failure: the refresh token
	// was absent, the refresh exchange was rejected, or the refreshed access
	// token was rejected again. The store has been cleared by the time this
	// error is returned.
	ErrSessionInvalid = errors.New("gateway: session invalid")
)

// Request describes one API call relative to the /api/ base path.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string

	// Public requests (login, token refresh, upload links) carry no bearer
	// token and are never retried through the refresh protocol.
	Public bool
}

// Response is a fully read API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Gateway issues authenticated HTTP calls against one API origin.
type Gateway struct {
	base    *url.URL
	client  *http.Client
	store   credstore.Store
	limiter *rate.Limiter

	hookMu       sync.Mutex
	onInvalidate func()

	flight singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithRateLimit installs a client-side egress throttle.
func WithRateLimit(perSecond, burst int) Option {
	return func(g *Gateway) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a gateway for the given API origin, e.g. "https://api.example.com".
func New(baseURL string, store credstore.Store, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("gateway: credential store is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/")
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	g := &Gateway{
		base:   parsed,
		client: &http.Client{Timeout: 30 * time.Second},
		store:  store,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// SetInvalidateHook registers the callback fired after a credential-fatal
// failure clears the store. The session manager uses it to reset its state,
// the UI analogue of forcing navigation to the login entry point.
func (g *Gateway) SetInvalidateHook(fn func()) {
	g.hookMu.Lock()
	g.onInvalidate = fn
	g.hookMu.Unlock()
}

// Do issues the request. Authenticated requests that fail with 401 are
// recovered through the refresh protocol when possible; every other status is
// returned unchanged for the caller to handle.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if req.Public {
		return g.send(ctx, req, "")
	}

	access, _ := g.store.Get(credstore.KeyAccess)
	resp, err := g.send(ctx, req, access)
	if err != nil || resp.Status != http.StatusUnauthorized {
		return resp, err
	}

	fresh, err := g.refreshAccess(ctx, access)
	if err != nil {
		g.invalidate("refresh_failed")
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	// The single permitted retry for this 401.
	retry, err := g.send(ctx, req, fresh)
	if err != nil {
		return nil, err
	}
	if retry.Status == http.StatusUnauthorized {
		g.invalidate("refreshed_token_rejected")
		return nil, fmt.Errorf("%w: refreshed token rejected", ErrSessionInvalid)
	}
	return retry, nil
}

// refreshAccess exchanges the refresh token for a new access token. All
// callers that observed the same stale access token share a single exchange.
func (g *Gateway) refreshAccess(ctx context.Context, stale string) (string, error) {
	// Waiters must not lose the shared exchange because the first caller's
	// context was canceled.
	ctx = context.WithoutCancel(ctx)

	v, err, _ := g.flight.Do(stale, func() (any, error) {
		if current, ok := g.store.Get(credstore.KeyAccess); ok && current != stale {
			// Another flight already rotated the token.
			return current, nil
		}
		refresh, ok := g.store.Get(credstore.KeyRefresh)
		if !ok {
			obs.ObserveRefresh("no_refresh_token")
			return "", errors.New("no refresh token")
		}

		body, err := json.Marshal(map[string]string{"refresh": refresh})
		if err != nil {
			return "", err
		}
		resp, err := g.send(ctx, Request{
			Method:      http.MethodPost,
			Path:        refreshPath,
			Body:        body,
			ContentType: "application/json",
			Public:      true,
		}, "")
		if err != nil {
			obs.ObserveRefresh("network")
			return "", err
		}
		if resp.Status != http.StatusOK {
			obs.ObserveRefresh("rejected")
			return "", fmt.Errorf("refresh rejected: status %d", resp.Status)
		}

		var payload struct {
			Access string `json:"access"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Access == "" {
			obs.ObserveRefresh("rejected")
			return "", errors.New("refresh response missing access token")
		}
		if err := g.store.Set(credstore.KeyAccess, payload.Access); err != nil {
			return "", err
		}
		obs.ObserveRefresh("success")
		obs.LogEvent("token_refreshed", nil)
		return payload.Access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Gateway) send(ctx context.Context, req Request, bearer string) (*Response, error) {
	target := g.base.JoinPath(strings.TrimLeft(req.Path, "/"))
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", ids.New())
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Method == http.MethodPost {
		httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	done := obs.RequestStarted(req.Method, req.Path)
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		done(0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		done(0)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	done(httpResp.StatusCode)

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   data,
	}, nil
}

func (g *Gateway) invalidate(reason string) {
	if err := g.store.Clear(); err != nil {
		obs.LogEvent("credential_clear_failed", map[string]any{"error": err.Error()})
	}
	obs.LogEvent("session_invalidated", map[string]any{"reason": reason})
	g.hookMu.Lock()
	fn := g.onInvalidate
	g.hookMu.Unlock()
	if fn != nil {
		fn()
	}
}
