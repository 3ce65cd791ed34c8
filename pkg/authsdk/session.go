package authsdk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// renewalSkew is how long before the actual expiry a session treats its
// access token as stale. Renewing early keeps in-flight requests from
// racing the expiry on the server.
const renewalSkew = 60 * time.Second

// Session holds a token set for one authenticated principal and renews
// the access token automatically when it is within renewalSkew of
// expiry. All methods are safe for concurrent use; concurrent renewals
// collapse into a single refresh request.
type Session struct {
	client *SDKClient

	mu           sync.Mutex
	clientID     string
	clientSecret string
	accessToken  string
	refreshToken string
	idToken      string
	expiresAt    time.Time
	scopes       map[string]bool

	// scopesRequested is set for client_credentials sessions so
	// re-authentication asks for the same scopes.
	scopesRequested []string

	// renewing is non-nil while a refresh is in flight. Waiters block
	// on it instead of issuing their own refresh.
	renewing chan struct{}
	expired  bool
}

// newSession creates a session from a token response.
func newSession(client *SDKClient, clientID string, tokenResp *TokenResponse) *Session {
	return &Session{
		client:       client,
		clientID:     clientID,
		accessToken:  tokenResp.AccessToken,
		refreshToken: tokenResp.RefreshToken,
		idToken:      tokenResp.IDToken,
		expiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		scopes:       parseScopes(tokenResp.Scope),
	}
}

// parseScopes parses a space-delimited scope string into a set.
func parseScopes(scopeStr string) map[string]bool {
	parts := strings.Fields(scopeStr)
	scopes := make(map[string]bool, len(parts))
	for _, scope := range parts {
		scopes[scope] = true
	}
	return scopes
}

// GetValidAccessToken returns an access token that is good for at least
// renewalSkew, refreshing first if needed. Once the session has expired
// (the server rejected its refresh token) every call returns
// ErrSessionExpired until the user authenticates again.
func (s *Session) GetValidAccessToken(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()

		if s.expired {
			s.mu.Unlock()
			return "", ErrSessionExpired
		}

		if time.Until(s.expiresAt) > renewalSkew {
			token := s.accessToken
			s.mu.Unlock()
			return token, nil
		}

		if s.renewing != nil {
			// Another goroutine is refreshing; wait for it and
			// re-evaluate.
			done := s.renewing
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-done:
			}
			continue
		}

		done := make(chan struct{})
		s.renewing = done
		refreshToken := s.refreshToken
		s.mu.Unlock()

		err := s.renew(ctx, refreshToken)

		s.mu.Lock()
		s.renewing = nil
		close(done)
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		token := s.accessToken
		s.mu.Unlock()
		return token, nil
	}
}

// renew performs one renewal attempt. Sessions holding a refresh token
// rotate it; client_credentials sessions re-authenticate instead.
func (s *Session) renew(ctx context.Context, refreshToken string) error {
	var (
		tokenResp *TokenResponse
		err       error
	)

	if refreshToken != "" {
		tokenResp, err = s.client.RefreshGrant(ctx, s.clientID, s.clientSecret, refreshToken, nil)
	} else if s.clientSecret != "" {
		tokenResp, err = s.client.ClientCredentialsGrant(ctx, s.clientID, s.clientSecret, s.scopesRequested)
	} else {
		err = fmt.Errorf("access token expired and no refresh token available")
	}

	if err != nil {
		if IsInvalidGrant(err) {
			s.mu.Lock()
			s.expired = true
			s.mu.Unlock()
			return errors.Join(ErrSessionExpired, err)
		}
		return fmt.Errorf("failed to renew session: %w", err)
	}

	s.mu.Lock()
	s.accessToken = tokenResp.AccessToken
	s.refreshToken = tokenResp.RefreshToken
	if tokenResp.IDToken != "" {
		// Refresh responses usually omit the id token; keep the one
		// from the original authentication.
		s.idToken = tokenResp.IDToken
	}
	s.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	s.scopes = parseScopes(tokenResp.Scope)
	s.mu.Unlock()
	return nil
}

// Logout revokes the session's tokens and clears local state. Access and
// refresh tokens are revoked independently, so reference-type access
// tokens die immediately instead of running out their TTL, and
// client_credentials sessions (no refresh token) still revoke their
// access token. Local state is cleared even when a revocation call
// fails; in that case the returned error wraps ErrRevocationFailed.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	accessToken := s.accessToken
	refreshToken := s.refreshToken
	clientID := s.clientID
	clientSecret := s.clientSecret
	s.accessToken = ""
	s.refreshToken = ""
	s.idToken = ""
	s.expired = true
	s.mu.Unlock()

	var revokeErr error
	if accessToken != "" {
		revokeErr = s.client.RevokeToken(ctx, clientID, clientSecret, accessToken, "access_token")
	}
	if refreshToken != "" {
		if err := s.client.RevokeToken(ctx, clientID, clientSecret, refreshToken, "refresh_token"); err != nil {
			revokeErr = errors.Join(revokeErr, err)
		}
	}

	if revokeErr != nil {
		return errors.Join(ErrRevocationFailed, revokeErr)
	}
	return nil
}

// SessionState is a serializable snapshot of a session for persistence
// across restarts. It contains live credentials; store it accordingly.
type SessionState struct {
	ClientID     string    `json:"client_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Export snapshots the session for persistence.
func (s *Session) Export() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		scopes = append(scopes, scope)
	}

	return SessionState{
		ClientID:     s.clientID,
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		IDToken:      s.idToken,
		ExpiresAt:    s.expiresAt,
		Scope:        strings.Join(scopes, " "),
	}
}

// RestoreSession rebuilds a session from a persisted snapshot. The
// session renews on first use if the snapshot's access token is stale.
func (c *SDKClient) RestoreSession(state SessionState, clientSecret string) *Session {
	return &Session{
		client:       c,
		clientID:     state.ClientID,
		clientSecret: clientSecret,
		accessToken:  state.AccessToken,
		refreshToken: state.RefreshToken,
		idToken:      state.IDToken,
		expiresAt:    state.ExpiresAt,
		scopes:       parseScopes(state.Scope),
	}
}

// AccessToken returns the current access token without checking
// expiration. Prefer GetValidAccessToken.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// RefreshToken returns the current refresh token.
func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// IDToken returns the OIDC id token from the original authentication,
// if the openid scope was granted.
func (s *Session) IDToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToken
}

// ExpiresAt returns when the current access token expires.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// HasScope reports whether the session was granted the given scope.
func (s *Session) HasScope(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes[scope]
}

// Scopes returns the granted scopes.
func (s *Session) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	return scopes
}
