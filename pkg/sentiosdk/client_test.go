package sentiosdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.Handler, refresher TokenRefresher) (*Client, *CredentialStore) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := NewCredentialStore(refresher, nil)
	client := NewClient(srv.URL, NewAuthClient(srv.URL), creds, nil)
	return client, creds
}

func TestClientGet(t *testing.T) {
	t.Parallel()

	t.Run("merged headers and demo token", func(t *testing.T) {
		t.Parallel()

		var gotAuth, gotVersion string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotVersion = r.Header.Get("X-Client-Version")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}), &stubRefresher{})

		var out map[string]string
		require.NoError(t, client.Get(context.Background(), "/v1/ping", nil, &out))
		require.Equal(t, "ok", out["status"])
		require.Equal(t, "Bearer "+DemoAccessToken, gotAuth)
		require.Equal(t, ClientVersion, gotVersion)
	})

	t.Run("empty query values are omitted", func(t *testing.T) {
		t.Parallel()

		var gotQuery url.Values
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			w.WriteHeader(http.StatusNoContent)
		}), &stubRefresher{})

		query := url.Values{"from": {"2026-05-01"}, "until": {""}}
		require.NoError(t, client.Get(context.Background(), "/v1/scans", query, nil))
		require.Equal(t, "2026-05-01", gotQuery.Get("from"))
		require.False(t, gotQuery.Has("until"))
	})

	t.Run("structured error body", func(t *testing.T) {
		t.Parallel()

		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":    "not_found",
				"message": "no such patient",
			})
		}), &stubRefresher{})

		err := client.Get(context.Background(), "/v1/patients/none", nil, nil)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "not_found", apiErr.Code)
		require.Equal(t, "no such patient", apiErr.Message)
		require.Equal(t, http.StatusNotFound, apiErr.Status)
	})

	t.Run("error synthesized from status line", func(t *testing.T) {
		t.Parallel()

		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}), &stubRefresher{})

		err := client.Get(context.Background(), "/v1/scans", nil, nil)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "http_error", apiErr.Code)
		require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	})
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}), &stubRefresher{})

	err := client.Get(context.Background(), "/v1/slow", nil, nil, WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, client.PendingCalls(), "timed-out call must leave the pending map")
}

func TestClientCancelAll(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}), &stubRefresher{})

	// Idempotent with nothing pending.
	client.CancelAll()
	require.Zero(t, client.PendingCalls())

	const calls = 8
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Get(context.Background(), "/v1/slow", nil, nil)
		}(i)
	}

	require.Eventually(t, func() bool {
		return client.PendingCalls() == calls
	}, 2*time.Second, 5*time.Millisecond)

	client.CancelAll()
	wg.Wait()

	require.Zero(t, client.PendingCalls())
	for i := 0; i < calls; i++ {
		require.ErrorIs(t, errs[i], context.Canceled)
	}
}

func TestClientAuthRetry(t *testing.T) {
	t.Parallel()

	login := CredentialPair{
		AccessToken:  "original",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	t.Run("one refresh and retry on 401", func(t *testing.T) {
		t.Parallel()

		var attempts int32
		var lastAuth string
		client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastAuth = r.Header.Get("Authorization")
			if atomic.AddInt32(&attempts, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}), &stubRefresher{})
		creds.Store(login)

		require.NoError(t, client.Get(context.Background(), "/v1/scans", nil, nil))
		require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
		require.Equal(t, "Bearer refreshed-access", lastAuth)
	})

	t.Run("two consecutive 401s resolve as unauthorized", func(t *testing.T) {
		t.Parallel()

		var attempts int32
		client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}), &stubRefresher{})
		creds.Store(login)

		err := client.Get(context.Background(), "/v1/scans", nil, nil)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.EqualValues(t, 2, atomic.LoadInt32(&attempts), "exactly one retry, never more")
	})

	t.Run("refresh failure surfaces unauthorized without retry", func(t *testing.T) {
		t.Parallel()

		var attempts int32
		refresher := &stubRefresher{err: &APIError{Code: "invalid_grant", Status: 401}}
		client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}), refresher)
		creds.Store(login)

		err := client.Get(context.Background(), "/v1/scans", nil, nil)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.EqualValues(t, 1, atomic.LoadInt32(&attempts))

		// Refresh failure cleared the credentials.
		_, err = creds.ValidAccessToken(context.Background())
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("external cancel during refresh suppresses the retry", func(t *testing.T) {
		t.Parallel()

		var attempts int32
		refresher := &stubRefresher{}
		client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}), refresher)
		creds.Store(login)

		// The cancellation lands while the refresh is in flight.
		refresher.mu.Lock()
		refresher.onRefresh = client.CancelAll
		refresher.mu.Unlock()

		err := client.Get(context.Background(), "/v1/scans", nil, nil)
		require.ErrorIs(t, err, context.Canceled)
		require.EqualValues(t, 1, atomic.LoadInt32(&attempts), "cancelled call must not retry")
	})
}

func TestClientLimiterPacesCalls(t *testing.T) {
	t.Parallel()

	var hits int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}), &stubRefresher{})
	client.Limiter = rate.NewLimiter(rate.Every(25*time.Millisecond), 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Get(context.Background(), "/v1/ping", nil, nil))
	}

	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "limiter must pace the second and third call")
}

func TestClientLimiterPacesAuthRetry(t *testing.T) {
	t.Parallel()

	var hits int32
	client, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), &stubRefresher{})
	client.Limiter = rate.NewLimiter(rate.Every(40*time.Millisecond), 1)
	creds.Store(CredentialPair{
		AccessToken:  "original",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	start := time.Now()
	require.NoError(t, client.Get(context.Background(), "/v1/scans", nil, nil))

	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "the refresh retry must pay the limiter too")
}

func TestClientLoginLogout(t *testing.T) {
	t.Parallel()

	var loggedOut atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "clinician@example.com", body["email"])

		_ = json.NewEncoder(w).Encode(LoginResponse{
			User: User{ID: "u1", Email: body["email"], Name: "Dr. Example"},
			TokenResponse: TokenResponse{
				AccessToken:  "session-access",
				RefreshToken: "session-refresh",
				ExpiresIn:    3600,
			},
		})
	})
	mux.HandleFunc("POST /v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		loggedOut.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	client, creds := newTestClient(t, mux, &stubRefresher{})

	user, err := client.Login(context.Background(), "clinician@example.com", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)

	token, err := creds.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-access", token)

	require.NoError(t, client.Logout(context.Background()))
	require.True(t, loggedOut.Load())

	_, err = creds.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}
