package sentiosdk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DemoAccessToken is the fixed token handed out before the first real
// login so the platform can be evaluated without an account. It is never
// used again once a real credential pair has been stored.
const DemoAccessToken = "demo-access-token"

// tokenSafetyMargin is subtracted from the authority's expiry so tokens
// are treated as expired slightly before they actually are.
const tokenSafetyMargin = 60 * time.Second

// CredentialStore owns the current credential pair. It is the only state
// shared between the request client and the stream client: both read and
// trigger refresh through it, and mutation is atomic (readers never see a
// partially-updated pair).
type CredentialStore struct {
	refresher TokenRefresher
	logger    *slog.Logger

	// now is the clock, overridable in tests.
	now func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	// hadCredentials latches once a real pair is stored and survives
	// Clear: the demo fallback is a pre-login affordance only.
	hadCredentials bool
}

// NewCredentialStore creates an empty store that refreshes through the
// given refresher. A nil logger falls back to slog.Default().
func NewCredentialStore(refresher TokenRefresher, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Store atomically replaces all three fields with the given pair.
func (s *CredentialStore) Store(pair CredentialPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(pair)
}

// StoreTokenResponse derives the expiry instant from an authority token
// response and stores the resulting pair. When expires_in is absent the
// access token's exp claim is used instead.
func (s *CredentialStore) StoreTokenResponse(resp *TokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(s.pairFromResponse(resp))
}

// Clear atomically wipes the pair. Idempotent.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// ValidAccessToken returns an access token that is not past its computed
// expiry. Before the first login it returns the demo token. If the stored
// token has expired it performs exactly one refresh before returning;
// concurrent callers during an in-flight refresh share that refresh
// rather than triggering their own. On refresh failure the store is
// cleared and the error wraps ErrRefreshFailed.
func (s *CredentialStore) ValidAccessToken(ctx context.Context) (string, error) {
	// Holding the lock across the refresh call is what coalesces
	// concurrent refreshes: later callers block here and find a fresh
	// token once the first caller stored it.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken == "" {
		if !s.hadCredentials {
			return DemoAccessToken, nil
		}
		return "", fmt.Errorf("%w: no credentials stored", ErrUnauthorized)
	}

	if s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}

	pair, err := s.refreshLocked(ctx)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// Refresh forces a refresh regardless of expiry, stores the new pair and
// returns it. On any failure the store is cleared and the caller must
// treat the session as fully logged out, not retry.
func (s *CredentialStore) Refresh(ctx context.Context) (CredentialPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// ExpiresAt reports the current pair's computed expiry instant, zero when
// no pair is stored.
func (s *CredentialStore) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *CredentialStore) storeLocked(pair CredentialPair) {
	s.accessToken = pair.AccessToken
	s.refreshToken = pair.RefreshToken
	s.expiresAt = pair.ExpiresAt
	if pair.AccessToken != "" {
		s.hadCredentials = true
	}
}

func (s *CredentialStore) clearLocked() {
	s.accessToken = ""
	s.refreshToken = ""
	s.expiresAt = time.Time{}
}

func (s *CredentialStore) refreshLocked(ctx context.Context) (CredentialPair, error) {
	if s.refreshToken == "" {
		s.clearLocked()
		return CredentialPair{}, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	resp, err := s.refresher.Refresh(ctx, s.refreshToken)
	if err != nil {
		s.clearLocked()
		s.logger.Warn("credential refresh failed", "error", err)
		return CredentialPair{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	pair := s.pairFromResponse(resp)
	s.storeLocked(pair)
	return pair, nil
}

// pairFromResponse computes ExpiresAt as issue time + expires_in -
// safety margin. When the authority omits expires_in, the access token's
// exp claim is used (unverified parse; the client never validates
// signatures).
func (s *CredentialStore) pairFromResponse(resp *TokenResponse) CredentialPair {
	expiresAt := s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)

	if resp.ExpiresIn == 0 {
		if exp, ok := tokenExpiry(resp.AccessToken); ok {
			expiresAt = exp
		}
	}

	return CredentialPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt.Add(-tokenSafetyMargin),
	}
}

// tokenExpiry extracts the exp claim from a JWT access token.
func tokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
