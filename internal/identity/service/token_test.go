package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/internal/identity/store/drivers/sqlite"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/idx"
	"github.com/tasklight/tasklight/pkg/jwtx"
)

const testIssuer = "https://identity.test"

type fixture struct {
	store  store.Store
	svc    *TokenService
	user   domain.User
	role   domain.Role
	client domain.Client
}

func newFixture(t *testing.T, mutate func(c *domain.Client)) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewStore("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	role := domain.Role{
		ID:     idx.New().String(),
		Name:   "admin",
		Scopes: []string{"openid", "tasks:read", "tasks:write"},
	}
	require.NoError(t, st.Roles().CreateRole(ctx, role))

	hash, err := cryptox.HashPassword("correct horse")
	require.NoError(t, err)

	user := domain.User{
		ID:            idx.New().String(),
		Username:      "alice",
		PreferredName: "Alice",
		PasswordHash:  hash,
		RoleID:        role.ID,
	}
	require.NoError(t, st.Users().CreateUser(ctx, user))

	client := domain.Client{
		ID:                 idx.New().String(),
		Name:               "web-app",
		Scopes:             []string{"openid", "tasks:read", "tasks:write"},
		RedirectURIs:       []string{"https://app.test/callback"},
		GrantTypes:         []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		AccessTokenType:    domain.AccessTokenTypeJWT,
		AllowOfflineAccess: true,
		RefreshExpiration:  domain.RefreshExpirationAbsolute,
	}
	if mutate != nil {
		mutate(&client)
	}
	require.NoError(t, st.Clients().CreateClient(ctx, client))

	km, err := jwtx.NewKeyManager(jwtx.KeyManagerOptions{NumKeys: 1})
	require.NoError(t, err)

	svc := &TokenService{
		KeyManager: km,
		Store:      st,
		Claims:     &claims.Pipeline{DefaultLocale: "en-AU"},
		Issuer:     testIssuer,
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}

	return &fixture{store: st, svc: svc, user: user, role: role, client: client}
}

// seedCode inserts an authorization code ready for redemption and returns
// the raw code plus the PKCE verifier.
func (f *fixture) seedCode(t *testing.T, scopes []string) (code, verifier string) {
	t.Helper()
	ctx := context.Background()

	verifier = "example-code-verifier"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code = "authorization-code-" + idx.New().String()
	record := domain.AuthorizationCode{
		ID:                  idx.New().String(),
		UserID:              f.user.ID,
		ClientID:            f.client.ID,
		CodeHash:            cryptox.FingerprintToken(code),
		RedirectURI:         "https://app.test/callback",
		Scopes:              scopes,
		SessionID:           idx.New().String(),
		AMR:                 []string{jwtx.AMRPassword},
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(5 * time.Minute),
		CreatedAt:           time.Now(),
	}
	require.NoError(t, f.store.AuthorizationCodes().CreateAuthorizationCode(ctx, record))
	return code, verifier
}

func TestExchangeAuthorizationCodeEnforcesSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"openid", "tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)
	require.NotEmpty(t, set.AccessToken)
	require.NotEmpty(t, set.RefreshToken)
	require.NotEmpty(t, set.IDToken) // openid scope requested
	require.Equal(t, "Bearer", set.TokenType)

	_, err = f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeAuthorizationCodeNoOfflineAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *domain.Client) { c.AllowOfflineAccess = false })
	code, verifier := f.seedCode(t, []string{"tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)
	require.Empty(t, set.RefreshToken)
	require.Empty(t, set.IDToken) // no openid scope
}

func TestExchangeAuthorizationCodeWrongVerifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, _ := f.seedCode(t, []string{"tasks:read"})

	_, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", "wrong-verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeAuthorizationCodeScopeEscalationBlocked(t *testing.T) {
	ctx := context.Background()

	// Role only allows tasks:read; the code asks for more.
	f := newFixture(t, nil)
	limited := domain.Role{ID: idx.New().String(), Name: "viewer", Scopes: []string{"nothing:useful"}}
	require.NoError(t, f.store.Roles().CreateRole(ctx, limited))

	hash, err := cryptox.HashPassword("pw")
	require.NoError(t, err)
	bob := domain.User{ID: idx.New().String(), Username: "bob", PasswordHash: hash, RoleID: limited.ID}
	require.NoError(t, f.store.Users().CreateUser(ctx, bob))

	code := "bob-code"
	require.NoError(t, f.store.AuthorizationCodes().CreateAuthorizationCode(ctx, domain.AuthorizationCode{
		ID:          idx.New().String(),
		UserID:      bob.ID,
		ClientID:    f.client.ID,
		CodeHash:    cryptox.FingerprintToken(code),
		RedirectURI: "https://app.test/callback",
		Scopes:      []string{"openid", "tasks:read", "tasks:write"},
		SessionID:   idx.New().String(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}))

	_, err = f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", "")
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestExchangeRefreshTokenRotates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"openid", "tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	refreshed, err := f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEqual(t, set.RefreshToken, refreshed.RefreshToken)
	require.NotEmpty(t, refreshed.IDToken)

	// Replaying the rotated token fails and kills the session.
	_, err = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", refreshed.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeRefreshTokenConcurrentRedemption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"openid", "tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	// Redeem the same refresh token a second time from inside the first
	// redemption's BeforeIssue hook. The hook runs after the revoked check
	// and before the rotation transaction, which is exactly the window two
	// concurrent requests share.
	var (
		second    *domain.TokenSet
		secondErr error
		reentered bool
	)
	f.svc.BeforeIssue = func(ctx context.Context, ic IssueContext) error {
		if ic.GrantType != domain.GrantRefreshToken || reentered {
			return nil
		}
		reentered = true
		second, secondErr = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
		return nil
	}

	first, firstErr := f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
	f.svc.BeforeIssue = nil

	// Exactly one redemption wins.
	require.NoError(t, secondErr)
	require.NotNil(t, second)
	require.ErrorIs(t, firstErr, ErrInvalidGrant)
	require.Nil(t, first)

	// The double-spend gets the replay treatment: the whole session is
	// dead, including the winner's replacement token.
	_, err = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", second.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeRefreshTokenScopeNarrowing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"tasks:read", "tasks:write"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	narrowed, err := f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, []string{"tasks:read"})
	require.NoError(t, err)
	require.Equal(t, "tasks:read", narrowed.Scope)

	// Widening beyond the original grant yields nothing grantable.
	_, err = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", narrowed.RefreshToken, []string{"tasks:write"})
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestExchangeRefreshTokenSlidingExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *domain.Client) { c.RefreshExpiration = domain.RefreshExpirationSliding })
	code, verifier := f.seedCode(t, []string{"tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	first, err := f.store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(set.RefreshToken))
	require.NoError(t, err)
	require.True(t, first.ExpiresAt.Before(first.AbsoluteExpiresAt))

	refreshed, err := f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
	require.NoError(t, err)

	second, err := f.store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(refreshed.RefreshToken))
	require.NoError(t, err)
	require.False(t, second.ExpiresAt.Before(first.ExpiresAt))
	require.Equal(t, first.AbsoluteExpiresAt.Unix(), second.AbsoluteExpiresAt.Unix())
}

func TestExchangeClientCredentials(t *testing.T) {
	ctx := context.Background()

	secret := "shh-very-secret"
	hash, err := cryptox.HashPassword(secret)
	require.NoError(t, err)

	f := newFixture(t, func(c *domain.Client) {
		c.SecretHash = hash
		c.GrantTypes = append(c.GrantTypes, domain.GrantClientCredentials)
	})

	set, err := f.svc.ExchangeClientCredentials(ctx, f.client.ID, secret, []string{"tasks:read"})
	require.NoError(t, err)
	require.NotEmpty(t, set.AccessToken)
	require.Empty(t, set.RefreshToken)
	require.Equal(t, "tasks:read", set.Scope)

	_, err = f.svc.ExchangeClientCredentials(ctx, f.client.ID, "wrong", nil)
	require.ErrorIs(t, err, ErrInvalidClient)

	_, err = f.svc.ExchangeClientCredentials(ctx, f.client.ID, secret, []string{"unknown:scope"})
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestReferenceTokenMinting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *domain.Client) { c.AccessTokenType = domain.AccessTokenTypeReference })
	code, verifier := f.seedCode(t, []string{"tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	// Opaque handle, not a JWT.
	require.False(t, looksLikeJWT(set.AccessToken))

	rec, err := f.store.ReferenceTokens().GetReferenceTokenByHash(ctx, cryptox.FingerprintToken(set.AccessToken))
	require.NoError(t, err)
	require.Equal(t, f.user.ID, rec.UserID)
	require.Equal(t, []string{"tasks:read"}, rec.Scopes)
}

func TestIssueFrontChannelTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sessionID := idx.New().String()
	scopes := []string{"openid", "tasks:read"}
	amr := []string{jwtx.AMRPassword}

	t.Run("id token only", func(t *testing.T) {
		set, err := f.svc.IssueFrontChannelTokens(ctx, f.client.ID, f.user.ID, sessionID, scopes, amr, "n-0S6_WzA2Mj", false)
		require.NoError(t, err)
		require.NotEmpty(t, set.IDToken)
		require.Empty(t, set.AccessToken)
	})

	t.Run("with access token", func(t *testing.T) {
		set, err := f.svc.IssueFrontChannelTokens(ctx, f.client.ID, f.user.ID, sessionID, scopes, amr, "n-0S6_WzA2Mj", true)
		require.NoError(t, err)
		require.NotEmpty(t, set.IDToken)
		require.NotEmpty(t, set.AccessToken)
		require.True(t, looksLikeJWT(set.AccessToken))
		require.Equal(t, f.svc.accessTTL(&f.client), set.ExpiresIn)
	})
}

func TestIssueFrontChannelTokensReferenceClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *domain.Client) { c.AccessTokenType = domain.AccessTokenTypeReference })

	sessionID := idx.New().String()
	set, err := f.svc.IssueFrontChannelTokens(ctx, f.client.ID, f.user.ID, sessionID, []string{"openid"}, []string{jwtx.AMRPassword}, "n-0S6_WzA2Mj", true)
	require.NoError(t, err)
	require.False(t, looksLikeJWT(set.AccessToken))

	rec, err := f.store.ReferenceTokens().GetReferenceTokenByHash(ctx, cryptox.FingerprintToken(set.AccessToken))
	require.NoError(t, err)
	require.Equal(t, sessionID, rec.SessionID)
}

func TestRevokeTokenIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"tasks:read"})

	set, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeToken(ctx, set.RefreshToken, "refresh_token"))

	// Revoking again, or revoking garbage, still succeeds.
	require.NoError(t, f.svc.RevokeToken(ctx, set.RefreshToken, "refresh_token"))
	require.NoError(t, f.svc.RevokeToken(ctx, "completely-unknown-token", ""))

	_, err = f.svc.ExchangeRefreshToken(ctx, f.client.ID, "", set.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestBeforeIssueHookVeto(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	code, verifier := f.seedCode(t, []string{"tasks:read"})

	veto := context.DeadlineExceeded
	f.svc.BeforeIssue = func(ctx context.Context, ic IssueContext) error {
		require.Equal(t, domain.GrantAuthorizationCode, ic.GrantType)
		return veto
	}

	_, err := f.svc.ExchangeAuthorizationCode(ctx, f.client.ID, "", code, "https://app.test/callback", verifier)
	require.ErrorIs(t, err, veto)
}

func TestIntersectScopes(t *testing.T) {
	t.Parallel()

	t.Run("returns intersection without duplicates", func(t *testing.T) {
		requested := []string{"tasks:read", "tasks:read", "tasks:write", "unknown"}
		clientScopes := []string{"tasks:read", "tasks:write"}

		result := intersectScopes(requested, clientScopes)
		require.Equal(t, []string{"tasks:read", "tasks:write"}, result)
	})

	t.Run("role ceiling applies after the client intersection", func(t *testing.T) {
		role := domain.Role{Scopes: []string{"tasks:read", "audit:read"}}
		result := role.FilterScopes(intersectScopes(
			[]string{"tasks:read", "tasks:write"},
			[]string{"tasks:read", "tasks:write"},
		))
		require.Equal(t, []string{"tasks:read"}, result)
	})

	t.Run("returns empty slice when no overlap", func(t *testing.T) {
		require.Empty(t, intersectScopes([]string{"a"}, []string{"b"}))
	})
}

func TestVerifyCodeVerifier(t *testing.T) {
	t.Parallel()

	t.Run("plain verifier must match challenge", func(t *testing.T) {
		require.True(t, verifyCodeVerifier("verifier", "plain", "verifier"))
		require.False(t, verifyCodeVerifier("verifier", "plain", "other"))
	})

	t.Run("S256 verifier computes hash", func(t *testing.T) {
		verifier := "example-verifier"
		sum := sha256.Sum256([]byte(verifier))
		challenge := base64.RawURLEncoding.EncodeToString(sum[:])

		require.True(t, verifyCodeVerifier(challenge, "S256", verifier))
		require.False(t, verifyCodeVerifier(challenge, "S256", "wrong"))
	})

	t.Run("empty challenge accepts any verifier", func(t *testing.T) {
		require.True(t, verifyCodeVerifier("", "S256", ""))
		require.True(t, verifyCodeVerifier("", "", "anything"))
	})

	t.Run("missing verifier rejected when challenge present", func(t *testing.T) {
		sum := sha256.Sum256([]byte("data"))
		challenge := base64.RawURLEncoding.EncodeToString(sum[:])
		require.False(t, verifyCodeVerifier(challenge, "S256", ""))
	})
}
