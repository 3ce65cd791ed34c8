package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAuthServer is a minimal token endpoint for session tests. It
// hands out sequentially numbered tokens and rotates refresh tokens.
type fakeAuthServer struct {
	mu            sync.Mutex
	tokenCalls    int32
	revokeCalls   int32
	expiresIn     int
	validRefresh  string
	rejectRefresh bool
	omitIDToken   bool
	revoked       map[string]string // token -> token_type_hint
}

func (f *fakeAuthServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()

		n := atomic.AddInt32(&f.tokenCalls, 1)

		switch r.Form.Get("grant_type") {
		case "refresh_token":
			if f.rejectRefresh || r.Form.Get("refresh_token") != f.validRefresh {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Error:            ErrorCodeInvalidGrant,
					ErrorDescription: "the grant or refresh token is invalid, expired or revoked",
				})
				return
			}
		case "client_credentials":
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorCodeUnsupportedGrantType})
			return
		}

		f.validRefresh = tokenName("refresh", n)
		resp := TokenResponse{
			AccessToken:  tokenName("access", n),
			RefreshToken: f.validRefresh,
			TokenType:    "Bearer",
			ExpiresIn:    f.expiresIn,
			Scope:        "openid tasks:read",
		}
		if !f.omitIDToken && n == 1 {
			resp.IDToken = "id-token-1"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /v1/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		atomic.AddInt32(&f.revokeCalls, 1)
		f.mu.Lock()
		if f.revoked == nil {
			f.revoked = map[string]string{}
		}
		f.revoked[r.Form.Get("token")] = r.Form.Get("token_type_hint")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	})

	return mux
}

func tokenName(kind string, n int32) string {
	return kind + "-" + strconv.Itoa(int(n))
}

func newFakeServer(t *testing.T, expiresIn int) (*fakeAuthServer, *SDKClient) {
	t.Helper()
	f := &fakeAuthServer{expiresIn: expiresIn}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, NewSDKClient(srv.URL)
}

func newTestSession(t *testing.T, f *fakeAuthServer, c *SDKClient) *Session {
	t.Helper()
	s, err := c.AuthenticateWithRefreshToken(context.Background(), "cli-app", "", bootstrapRefresh(f))
	require.NoError(t, err)
	return s
}

// bootstrapRefresh seeds the fake server so the first refresh succeeds.
func bootstrapRefresh(f *fakeAuthServer) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validRefresh = "refresh-seed"
	return "refresh-seed"
}

func TestSessionReturnsTokenWhileFresh(t *testing.T) {
	f, c := newFakeServer(t, 3600)
	s := newTestSession(t, f, c)

	token, err := s.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.AccessToken(), token)

	// A fresh token does not trigger another request.
	_, err = s.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.tokenCalls))
}

func TestSessionRenewsWithinSkew(t *testing.T) {
	// 30s is inside the 60s renewal skew, so the first call renews.
	f, c := newFakeServer(t, 30)
	s := newTestSession(t, f, c)

	before := s.ExpiresAt()
	oldRefresh := s.RefreshToken()

	token, err := s.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.EqualValues(t, 2, atomic.LoadInt32(&f.tokenCalls))
	require.True(t, s.ExpiresAt().After(before) || !s.ExpiresAt().Before(before))
	require.NotEqual(t, oldRefresh, s.RefreshToken())
}

func TestSessionSingleFlightRenewal(t *testing.T) {
	f, c := newFakeServer(t, 30)
	s := newTestSession(t, f, c)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.tokenCalls))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.GetValidAccessToken(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// All eight callers share one refresh on top of the initial auth.
	require.EqualValues(t, 2, atomic.LoadInt32(&f.tokenCalls))
}

func TestSessionExpiredIsTerminal(t *testing.T) {
	f, c := newFakeServer(t, 30)
	s := newTestSession(t, f, c)

	f.mu.Lock()
	f.rejectRefresh = true
	f.mu.Unlock()

	_, err := s.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)

	// Subsequent calls fail without hitting the server again.
	calls := atomic.LoadInt32(&f.tokenCalls)
	_, err = s.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, calls, atomic.LoadInt32(&f.tokenCalls))
}

func TestSessionKeepsIDTokenAcrossRenewal(t *testing.T) {
	f, c := newFakeServer(t, 30)
	s := newTestSession(t, f, c)
	require.Equal(t, "id-token-1", s.IDToken())

	_, err := s.GetValidAccessToken(context.Background())
	require.NoError(t, err)

	// The refresh response carried no id token; the original survives.
	require.Equal(t, "id-token-1", s.IDToken())
}

func TestSessionLogout(t *testing.T) {
	f, c := newFakeServer(t, 3600)
	s := newTestSession(t, f, c)

	accessToken := s.AccessToken()
	refreshToken := s.RefreshToken()

	require.NoError(t, s.Logout(context.Background()))
	require.Empty(t, s.AccessToken())
	require.Empty(t, s.RefreshToken())

	// Both tokens are revoked independently, each with its own hint.
	require.EqualValues(t, 2, atomic.LoadInt32(&f.revokeCalls))
	f.mu.Lock()
	require.Equal(t, "access_token", f.revoked[accessToken])
	require.Equal(t, "refresh_token", f.revoked[refreshToken])
	f.mu.Unlock()

	_, err := s.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)

	// Logging out twice is a no-op, not an error.
	require.NoError(t, s.Logout(context.Background()))
	require.EqualValues(t, 2, atomic.LoadInt32(&f.revokeCalls))
}

func TestClientCredentialsSessionLogoutRevokesAccessToken(t *testing.T) {
	f, c := newFakeServer(t, 3600)

	s, err := c.AuthenticateWithClientCredentials(context.Background(), "worker", "secret", []string{"tasks:read"})
	require.NoError(t, err)

	// No refresh token, as on a real client_credentials grant.
	s.mu.Lock()
	s.refreshToken = ""
	s.mu.Unlock()
	accessToken := s.AccessToken()

	require.NoError(t, s.Logout(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&f.revokeCalls))
	f.mu.Lock()
	require.Equal(t, "access_token", f.revoked[accessToken])
	f.mu.Unlock()
}

func TestSessionExportRestore(t *testing.T) {
	f, c := newFakeServer(t, 3600)
	s := newTestSession(t, f, c)

	state := s.Export()
	require.Equal(t, "cli-app", state.ClientID)
	require.NotEmpty(t, state.AccessToken)
	require.NotEmpty(t, state.RefreshToken)

	restored := c.RestoreSession(state, "")
	token, err := restored.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.AccessToken, token)
	require.True(t, restored.HasScope("tasks:read"))
	require.False(t, restored.HasScope("tasks:write"))
}

func TestRestoredStaleSessionRenewsOnFirstUse(t *testing.T) {
	f, c := newFakeServer(t, 3600)
	s := newTestSession(t, f, c)

	state := s.Export()
	state.ExpiresAt = time.Now().Add(-time.Minute)

	restored := c.RestoreSession(state, "")
	token, err := restored.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, state.AccessToken, token)
	require.EqualValues(t, 2, atomic.LoadInt32(&f.tokenCalls))
}

func TestClientCredentialsSessionReauthenticates(t *testing.T) {
	f, c := newFakeServer(t, 30)

	s, err := c.AuthenticateWithClientCredentials(context.Background(), "worker", "secret", []string{"tasks:read"})
	require.NoError(t, err)

	// The fake server always returns a refresh token; strip it so the
	// session exercises the re-authentication path a real
	// client_credentials session takes.
	s.mu.Lock()
	s.refreshToken = ""
	s.mu.Unlock()

	_, err = s.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&f.tokenCalls))
}

func TestInvalidGrantDetection(t *testing.T) {
	err := &OAuth2Error{StatusCode: 400, Code: ErrorCodeInvalidGrant, Description: "dead"}
	require.True(t, IsInvalidGrant(err))
	require.False(t, IsInvalidGrant(errors.New("dead")))
	require.False(t, IsInvalidGrant(&OAuth2Error{Code: ErrorCodeInvalidClient}))
}
