package sentiosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenRefresher obtains a fresh token pair from the remote authority in
// exchange for a refresh token. Implemented by AuthClient; tests supply
// stubs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// AuthClient talks to the authority's auth endpoints (login, refresh,
// logout). It is deliberately independent of Client so the stream client
// can refresh credentials without going through the request path.
type AuthClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAuthClient creates an auth client for the given authority base URL.
func NewAuthClient(baseURL string) *AuthClient {
	return &AuthClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Login authenticates with email and password and returns the user along
// with the initial token pair.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}

	var resp LoginResponse
	if err := a.postJSON(ctx, "/v1/auth/login", "", payload, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	payload := map[string]string{
		"refresh_token": refreshToken,
	}

	var resp TokenResponse
	if err := a.postJSON(ctx, "/v1/auth/refresh", "", payload, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Logout invalidates the session server-side. Best effort: callers ignore
// failures and clear local state regardless.
func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	return a.postJSON(ctx, "/v1/auth/logout", accessToken, nil, nil)
}

// postJSON issues one JSON POST against an auth endpoint. An access token,
// if provided, is sent as a bearer header.
func (a *AuthClient) postJSON(ctx context.Context, path, accessToken string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, bodyBytes)
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
