package sentiosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentiocare/sentio-go/pkg/idx"
)

// DefaultRequestTimeout bounds every call that does not override it.
const DefaultRequestTimeout = 30 * time.Second

// ClientVersion is sent on every request as the client-version marker.
const ClientVersion = "sentio-go/0.1.0"

// Client issues request/response calls against the resource API. Every
// call is tracked as a pending call until it completes, errors, times out
// or is cancelled; CancelAll tears down all of them at once.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Timeout is the default per-call deadline. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration

	// Limiter optionally paces outgoing calls client-side. Nil disables
	// pacing.
	Limiter *rate.Limiter

	auth   *AuthClient
	creds  *CredentialStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[idx.ID]context.CancelFunc
}

// NewClient creates a request client. A nil logger falls back to
// slog.Default().
func NewClient(baseURL string, auth *AuthClient, creds *CredentialStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{},
		auth:       auth,
		creds:      creds,
		logger:     logger,
		pending:    make(map[idx.ID]context.CancelFunc),
	}
}

// CallOption customizes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Get issues a GET. Query keys with an empty value are omitted, never
// sent as empty strings.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out, opts)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodPost, path, nil, body, out, opts)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodPut, path, nil, body, out, opts)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) error {
	return c.call(ctx, http.MethodDelete, path, nil, nil, nil, opts)
}

// Login authenticates against the authority and stores the resulting
// credential pair, ending demo mode permanently.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	resp, err := c.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}

	c.creds.StoreTokenResponse(&resp.TokenResponse)
	return &resp.User, nil
}

// Logout revokes the session server-side (best effort), clears the
// stored credentials and cancels every pending call.
func (c *Client) Logout(ctx context.Context) error {
	token, err := c.creds.ValidAccessToken(ctx)
	if err == nil && token != DemoAccessToken {
		if err := c.auth.Logout(ctx, token); err != nil {
			c.logger.Debug("server-side logout failed", "error", err)
		}
	}

	c.creds.Clear()
	c.CancelAll()
	return nil
}

// CancelAll cancels every pending call and empties the registry. Safe to
// call at any time, including with zero pending calls.
func (c *Client) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.pending))
	for _, cancel := range c.pending {
		cancels = append(cancels, cancel)
	}
	c.pending = make(map[idx.ID]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// PendingCalls reports how many calls are currently outstanding.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any, opts []CallOption) error {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	id := idx.New()
	c.register(id, cancel)
	defer func() {
		cancel()
		c.unregister(id)
	}()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return c.mapContextError(ctx, err)
		}
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	// Demo fallback per the store contract: a token-fetch failure means
	// the request goes out unauthenticated and the 401 path decides.
	token, err := c.creds.ValidAccessToken(ctx)
	if err != nil {
		c.logger.Debug("no valid access token for request", "path", path, "error", err)
		token = ""
	}

	status, respBody, err := c.doOnce(ctx, method, path, query, encoded, token)
	if err != nil {
		return c.mapContextError(ctx, err)
	}

	// Exactly one transparent retry after a refresh on auth failure.
	if status == http.StatusUnauthorized {
		if ctx.Err() != nil {
			// Cancelled or timed out mid-sequence: never retry.
			return c.mapContextError(ctx, ctx.Err())
		}

		pair, rerr := c.creds.Refresh(ctx)
		if rerr != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, rerr)
		}
		if ctx.Err() != nil {
			return c.mapContextError(ctx, ctx.Err())
		}

		// The retry is still an outgoing call, so it pays the limiter too.
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return c.mapContextError(ctx, err)
			}
		}

		status, respBody, err = c.doOnce(ctx, method, path, query, encoded, pair.AccessToken)
		if err != nil {
			return c.mapContextError(ctx, err)
		}
		if status == http.StatusUnauthorized {
			c.creds.Clear()
			return fmt.Errorf("%w: credential rejected after refresh", ErrUnauthorized)
		}
	}

	if status < 200 || status >= 300 {
		return parseAPIError(status, respBody)
	}

	if out != nil && status != http.StatusNoContent && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// doOnce performs a single HTTP exchange and slurps the body so the
// caller can both parse errors and decode success payloads.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path, query), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Version", ClientVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// requestURL joins the base URL, path and query. Keys whose only value is
// the empty string are dropped entirely.
func (c *Client) requestURL(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) == 0 {
		return u
	}

	filtered := url.Values{}
	for key, values := range query {
		for _, v := range values {
			if v != "" {
				filtered.Add(key, v)
			}
		}
	}
	if len(filtered) == 0 {
		return u
	}
	return u + "?" + filtered.Encode()
}

// mapContextError translates a transport failure into the taxonomy: the
// call's own deadline becomes ErrTimeout, an external cancellation stays
// context.Canceled, anything else surfaces as a transport failure.
func (c *Client) mapContextError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return err
	}
}

func (c *Client) register(id idx.ID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = cancel
}

func (c *Client) unregister(id idx.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}
