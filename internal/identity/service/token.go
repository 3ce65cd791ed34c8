package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/idx"
	"github.com/tasklight/tasklight/pkg/jwtx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInvalidClient      = errors.New("invalid_client")
	ErrInvalidScope       = errors.New("invalid_scope")
	ErrInvalidGrant       = errors.New("invalid_grant")
	ErrUnsupportedGrant   = errors.New("unsupported_grant_type")
)

// IssueContext is handed to the BeforeIssue hook just before tokens are
// minted, letting deployments veto or observe issuance.
type IssueContext struct {
	GrantType string
	UserID    string // empty for client_credentials
	ClientID  string
	SessionID string
	Scopes    []string
}

type TokenService struct {
	KeyManager *jwtx.KeyManager
	Store      store.Store
	Claims     *claims.Pipeline

	Issuer     string
	Audience   []string // audience stamped on access tokens
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// BeforeIssue, when set, runs before any token is minted. Returning
	// an error aborts the grant.
	BeforeIssue func(ctx context.Context, ic IssueContext) error
}

func (s *TokenService) accessTTL(client *domain.Client) time.Duration {
	if client != nil && client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (s *TokenService) refreshTTL(client *domain.Client) time.Duration {
	if client != nil && client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

// ExchangeAuthorizationCode implements the OAuth2 authorization_code grant.
//
// It validates the client authentication (for confidential clients),
// verifies the authorization code, enforces PKCE, and issues new tokens.
// The code is single-use: redemption and refresh creation happen in one
// transaction, so a replayed code loses the race and gets invalid_grant.
func (s *TokenService) ExchangeAuthorizationCode(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI, codeVerifier string,
) (*domain.TokenSet, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, ErrUnsupportedGrant
	}

	code = strings.TrimSpace(code)
	redirectURI = strings.TrimSpace(redirectURI)
	codeVerifier = strings.TrimSpace(codeVerifier)
	if code == "" || redirectURI == "" {
		return nil, ErrInvalidGrant
	}

	codeHash := cryptox.FingerprintToken(code)

	var result *domain.TokenSet

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		authCode, err := tx.AuthorizationCodes().GetAuthorizationCodeByHash(ctx, codeHash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		if authCode.ClientID != client.ID {
			return ErrInvalidClient
		}
		if authCode.RedirectURI != redirectURI {
			return ErrInvalidGrant
		}
		if authCode.UsedAt != nil || now.After(authCode.ExpiresAt) {
			return ErrInvalidGrant
		}
		if !verifyCodeVerifier(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier) {
			return ErrInvalidGrant
		}

		user, err := tx.Users().GetUserByID(ctx, authCode.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		role, err := tx.Roles().GetRoleByID(ctx, user.RoleID)
		if err != nil {
			return err
		}

		effective := role.FilterScopes(intersectScopes(authCode.Scopes, client.Scopes))
		if len(effective) == 0 {
			return ErrInvalidScope
		}

		sessionID := authCode.SessionID
		if sessionID == "" {
			sessionID = idx.New().String()
		}

		amr := dedupe(authCode.AMR)
		if len(amr) == 0 {
			amr = []string{jwtx.AMRPassword}
		}

		if err := s.runBeforeIssue(ctx, IssueContext{
			GrantType: domain.GrantAuthorizationCode,
			UserID:    user.ID,
			ClientID:  client.ID,
			SessionID: sessionID,
			Scopes:    effective,
		}); err != nil {
			return err
		}

		// The code is consumed first so a concurrent redemption of the
		// same code fails before any token is persisted.
		if err := tx.AuthorizationCodes().MarkAuthorizationCodeUsed(ctx, authCode.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		accessToken, err := s.mintAccess(ctx, tx, &client, &user, sessionID, effective, amr, now)
		if err != nil {
			return err
		}

		set := &domain.TokenSet{
			AccessToken: accessToken,
			TokenType:   "Bearer",
			ExpiresIn:   s.accessTTL(&client),
			Scope:       strings.Join(effective, " "),
		}

		if client.AllowOfflineAccess {
			refreshOpaque, err := s.createRefreshToken(ctx, tx, &client, user.ID, sessionID, effective, amr, now)
			if err != nil {
				return err
			}
			set.RefreshToken = refreshOpaque
		}

		if hasScope(effective, "openid") {
			idToken, err := s.signIdentity(&client, &user, &role, sessionID, amr, authCode.Nonce, now)
			if err != nil {
				return err
			}
			set.IDToken = idToken
		}

		result = set
		return nil
	})
	if err != nil {
		l.Info("authorization_code grant rejected",
			slog.String("client_id", clientID),
			slog.Any("error", err),
		)
		return nil, err
	}

	return result, nil
}

// ExchangeRefreshToken implements the OAuth2 refresh_token grant with
// rotation: the presented token is revoked and a replacement sharing the
// session ID is minted in the same transaction.
//
// Replay of an already rotated token revokes the whole session's refresh
// tokens, since it indicates the opaque value leaked.
func (s *TokenService) ExchangeRefreshToken(
	ctx context.Context,
	clientID, clientSecret string,
	refreshOpaque string,
	requestedScopes []string, // Empty means reuse original scopes
) (*domain.TokenSet, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(domain.GrantRefreshToken) {
		return nil, ErrUnsupportedGrant
	}

	fp := cryptox.FingerprintToken(refreshOpaque)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	if rt.Revoked {
		// Reuse of a rotated token: assume compromise, kill the session.
		l.Warn("rotated refresh token replayed, revoking session",
			slog.String("session_id", rt.SessionID),
			slog.String("client_id", clientID),
		)
		_ = s.Store.RefreshTokens().RevokeSessionRefreshTokens(ctx, rt.SessionID)
		return nil, ErrInvalidGrant
	}
	if now.After(rt.ExpiresAt) || now.After(rt.AbsoluteExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if rt.ClientID != client.ID {
		return nil, ErrInvalidClient
	}

	u, err := s.Store.Users().GetUserByID(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}

	role, err := s.Store.Roles().GetRoleByID(ctx, u.RoleID)
	if err != nil {
		return nil, err
	}

	// Scope narrowing is allowed, widening beyond the original grant is
	// not.
	base := rt.Scopes
	if len(requestedScopes) > 0 {
		base = intersectScopes(requestedScopes, rt.Scopes)
	}

	effective := role.FilterScopes(intersectScopes(base, client.Scopes))
	if len(effective) == 0 {
		return nil, ErrInvalidScope
	}

	amr := dedupe(append(rt.AMR, jwtx.AMRRefresh))

	if err := s.runBeforeIssue(ctx, IssueContext{
		GrantType: domain.GrantRefreshToken,
		UserID:    u.ID,
		ClientID:  client.ID,
		SessionID: rt.SessionID,
		Scopes:    effective,
	}); err != nil {
		return nil, err
	}

	var result *domain.TokenSet

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		// The revoke doubles as a compare-and-set: a concurrent redemption
		// that already rotated this token leaves no live row to match, so
		// the loser stops here instead of minting a second token set.
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		accessToken, err := s.mintAccess(ctx, tx, &client, &u, rt.SessionID, effective, amr, now)
		if err != nil {
			return err
		}

		newOpaque, err := s.rotateRefreshToken(ctx, tx, &client, &rt, effective, amr, now)
		if err != nil {
			return err
		}

		result = &domain.TokenSet{
			AccessToken:  accessToken,
			RefreshToken: newOpaque,
			TokenType:    "Bearer",
			ExpiresIn:    s.accessTTL(&client),
			Scope:        strings.Join(effective, " "),
		}

		if hasScope(effective, "openid") {
			idToken, err := s.signIdentity(&client, &u, &role, rt.SessionID, amr, "", now)
			if err != nil {
				return err
			}
			result.IDToken = idToken
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			// Lost the rotation race: the same opaque value was redeemed
			// twice, which gets the same treatment as a replay.
			l.Warn("refresh token redeemed concurrently, revoking session",
				slog.String("session_id", rt.SessionID),
				slog.String("client_id", clientID),
			)
			_ = s.Store.RefreshTokens().RevokeSessionRefreshTokens(ctx, rt.SessionID)
		}
		return nil, err
	}

	return result, nil
}

// ExchangeClientCredentials implements the OAuth2 client_credentials grant
// for machine-to-machine callers. The client is the subject, no refresh
// token is issued, and scopes intersect only with the client's own list.
func (s *TokenService) ExchangeClientCredentials(
	ctx context.Context,
	clientID, clientSecret string,
	requestedScopes []string,
) (*domain.TokenSet, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	c, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}

	// Must be confidential for client_credentials.
	if c.SecretHash == "" {
		l.Warn("client_credentials grant attempted with public client", "client_id", clientID)
		return nil, ErrInvalidClient
	}
	if err := cryptox.VerifyPassword(clientSecret, c.SecretHash); err != nil {
		l.Info("client secret verification failed", "client_id", clientID)
		return nil, ErrInvalidClient
	}
	if !c.AllowsGrant(domain.GrantClientCredentials) {
		return nil, ErrUnsupportedGrant
	}

	effective := requestedScopes
	if len(effective) == 0 {
		effective = c.Scopes
	} else {
		effective = intersectScopes(requestedScopes, c.Scopes)
	}
	if len(effective) == 0 {
		return nil, ErrInvalidScope
	}

	sessionID := idx.New().String()
	amr := []string{jwtx.AMRClient}

	if err := s.runBeforeIssue(ctx, IssueContext{
		GrantType: domain.GrantClientCredentials,
		ClientID:  c.ID,
		SessionID: sessionID,
		Scopes:    effective,
	}); err != nil {
		return nil, err
	}

	var accessToken string
	if c.AccessTokenType == domain.AccessTokenTypeReference {
		err = s.Store.WithTx(ctx, func(tx store.Tx) error {
			accessToken, err = s.mintReference(ctx, tx, &c, "", sessionID, effective, amr, now)
			return err
		})
	} else {
		accessToken, err = s.signAccess(c.ID, c.ID, sessionID, effective, amr, s.accessTTL(&c), now)
	}
	if err != nil {
		return nil, err
	}

	return &domain.TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.accessTTL(&c),
		Scope:       strings.Join(effective, " "),
	}, nil
}

// IssueFrontChannelTokens mints the tokens a hybrid authorization
// response carries in the redirect fragment: an id token bound to the
// request nonce, plus an access token when response_type included
// "token". The authorization code stays redeemable at the token endpoint
// as usual.
func (s *TokenService) IssueFrontChannelTokens(
	ctx context.Context,
	clientID, userID, sessionID string,
	scopes, amr []string,
	nonce string,
	includeAccessToken bool,
) (*domain.TokenSet, error) {
	now := time.Now()

	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	role, err := s.Store.Roles().GetRoleByID(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}

	idToken, err := s.signIdentity(&client, &user, &role, sessionID, amr, nonce, now)
	if err != nil {
		return nil, err
	}

	set := &domain.TokenSet{
		IDToken:   idToken,
		TokenType: "Bearer",
		Scope:     strings.Join(scopes, " "),
	}

	if includeAccessToken {
		err = s.Store.WithTx(ctx, func(tx store.Tx) error {
			accessToken, err := s.mintAccess(ctx, tx, &client, &user, sessionID, scopes, amr, now)
			if err != nil {
				return err
			}
			set.AccessToken = accessToken
			return nil
		})
		if err != nil {
			return nil, err
		}
		set.ExpiresIn = s.accessTTL(&client)
	}

	return set, nil
}

// RevokeToken implements RFC 7009: it tries the hinted token type first,
// then the other, and succeeds even when the token is unknown so callers
// cannot enumerate valid handles.
func (s *TokenService) RevokeToken(ctx context.Context, token, tokenTypeHint string) error {
	fp := cryptox.FingerprintToken(token)

	tryRefresh := func() error {
		return s.Store.RefreshTokens().RevokeRefreshToken(ctx, fp)
	}
	tryReference := func() error {
		return s.Store.ReferenceTokens().RevokeReferenceToken(ctx, fp)
	}

	attempts := []func() error{tryRefresh, tryReference}
	if tokenTypeHint == "access_token" {
		attempts = []func() error{tryReference, tryRefresh}
	}

	for _, attempt := range attempts {
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	// Unknown token: revocation is idempotent.
	return nil
}

// RevokeSession revokes every refresh and reference token in a session.
func (s *TokenService) RevokeSession(ctx context.Context, sessionID string) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeSessionRefreshTokens(ctx, sessionID); err != nil {
			return err
		}
		return tx.ReferenceTokens().RevokeSessionReferenceTokens(ctx, sessionID)
	})
}

func (s *TokenService) runBeforeIssue(ctx context.Context, ic IssueContext) error {
	if s.BeforeIssue == nil {
		return nil
	}
	return s.BeforeIssue(ctx, ic)
}

// AuthenticateClient verifies client credentials. Endpoints that require
// client authentication outside a grant exchange (introspection,
// revocation for confidential clients) use it directly.
func (s *TokenService) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, error) {
	return s.authenticateClient(ctx, clientID, clientSecret)
}

func (s *TokenService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, error) {
	l := slogx.FromContext(ctx)

	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, ErrInvalidClient
		}
		return domain.Client{}, err
	}

	// Confidential clients must authenticate.
	if client.SecretHash != "" {
		if clientSecret == "" || cryptox.VerifyPassword(clientSecret, client.SecretHash) != nil {
			l.Info("client authentication failed", slog.String("client_id", clientID))
			return domain.Client{}, ErrInvalidClient
		}
	}

	return client, nil
}

// mintAccess produces either a signed JWT or a stored opaque handle
// depending on the client's configured access token type.
func (s *TokenService) mintAccess(
	ctx context.Context,
	tx store.Tx,
	client *domain.Client,
	user *domain.User,
	sessionID string,
	scopes, amr []string,
	now time.Time,
) (string, error) {
	if client.AccessTokenType == domain.AccessTokenTypeReference {
		return s.mintReference(ctx, tx, client, user.ID, sessionID, scopes, amr, now)
	}
	return s.signAccess(user.ID, client.ID, sessionID, scopes, amr, s.accessTTL(client), now)
}

func (s *TokenService) signAccess(
	subject, clientID, sessionID string,
	scopes, amr []string,
	ttl time.Duration,
	now time.Time,
) (string, error) {
	aud := s.Audience
	if len(aud) == 0 {
		aud = []string{clientID}
	}

	c := jwtx.NewAccessClaims(subject, sessionID, clientID, scopes, amr, ttl, s.Issuer, aud, now)

	signer := s.KeyManager.GetSigner()
	return signer.Sign(c)
}

func (s *TokenService) mintReference(
	ctx context.Context,
	tx store.Tx,
	client *domain.Client,
	userID, sessionID string,
	scopes, amr []string,
	now time.Time,
) (string, error) {
	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	aud := s.Audience
	if len(aud) == 0 {
		aud = []string{client.ID}
	}

	rec := domain.ReferenceToken{
		ID:        idx.New().String(),
		UserID:    userID,
		ClientID:  client.ID,
		TokenHash: cryptox.FingerprintToken(opaque),
		SessionID: sessionID,
		Scopes:    scopes,
		AMR:       amr,
		Audience:  aud,
		ExpiresAt: now.Add(s.accessTTL(client)),
		CreatedAt: now,
	}

	if err := tx.ReferenceTokens().CreateReferenceToken(ctx, rec); err != nil {
		return "", err
	}

	return opaque, nil
}

func (s *TokenService) signIdentity(
	client *domain.Client,
	user *domain.User,
	role *domain.Role,
	sessionID string,
	amr []string,
	nonce string,
	now time.Time,
) (string, error) {
	set := s.Claims.Build(user, role, amr)

	c := jwtx.NewIdentityClaims(
		user.ID,
		sessionID,
		client.ID,
		claims.First(set, claims.TypeName),
		claims.First(set, claims.TypeLocale),
		claims.Values(set, claims.TypeRole),
		claims.Values(set, claims.TypeAMR),
		jwtx.DefaultIdentityTokenTTL,
		s.Issuer,
		now,
	)
	c.Nonce = nonce

	signer := s.KeyManager.GetSigner()
	return signer.Sign(c)
}

func (s *TokenService) createRefreshToken(
	ctx context.Context,
	tx store.Tx,
	client *domain.Client,
	userID, sessionID string,
	scopes, amr []string,
	now time.Time,
) (string, error) {
	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	ttl := s.refreshTTL(client)
	absolute := now.Add(ttl)
	expires := absolute
	if client.RefreshExpiration == domain.RefreshExpirationSliding {
		// Sliding tokens start with a shorter window that future
		// rotations extend, capped by the absolute lifetime.
		expires = slidingExpiry(now, ttl, absolute)
	}

	rt := domain.RefreshToken{
		ID:                idx.New().String(),
		UserID:            userID,
		ClientID:          client.ID,
		TokenHash:         cryptox.FingerprintToken(opaque),
		SessionID:         sessionID,
		Scopes:            scopes,
		AMR:               amr,
		ExpiresAt:         expires,
		AbsoluteExpiresAt: absolute,
	}

	if err := tx.RefreshTokens().CreateRefreshToken(ctx, rt); err != nil {
		return "", err
	}

	return opaque, nil
}

// rotateRefreshToken mints the replacement token during a refresh grant.
// Sliding clients get a fresh window from now; absolute clients keep the
// original expiry.
func (s *TokenService) rotateRefreshToken(
	ctx context.Context,
	tx store.Tx,
	client *domain.Client,
	old *domain.RefreshToken,
	scopes, amr []string,
	now time.Time,
) (string, error) {
	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	expires := old.ExpiresAt
	if client.RefreshExpiration == domain.RefreshExpirationSliding {
		expires = slidingExpiry(now, s.refreshTTL(client), old.AbsoluteExpiresAt)
	}

	rt := domain.RefreshToken{
		ID:                idx.New().String(),
		UserID:            old.UserID,
		ClientID:          old.ClientID,
		TokenHash:         cryptox.FingerprintToken(opaque),
		SessionID:         old.SessionID, // preserved across rotations
		Scopes:            scopes,
		AMR:               amr,
		ExpiresAt:         expires,
		AbsoluteExpiresAt: old.AbsoluteExpiresAt,
	}

	if err := tx.RefreshTokens().CreateRefreshToken(ctx, rt); err != nil {
		return "", err
	}

	return opaque, nil
}

// slidingWindowDivisor sets the sliding window to a quarter of the full
// refresh lifetime, so an idle session dies well before the absolute cap.
const slidingWindowDivisor = 4

func slidingExpiry(now time.Time, ttl time.Duration, absolute time.Time) time.Time {
	expires := now.Add(ttl / slidingWindowDivisor)
	if expires.After(absolute) {
		return absolute
	}
	return expires
}

// intersectScopes narrows a to what b allows. Combined with
// Role.FilterScopes this is the privilege escalation guard on every
// grant.
func intersectScopes(a, b []string) []string {
	set := map[string]struct{}{}
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func verifyCodeVerifier(challenge, method, verifier string) bool {
	challenge = strings.TrimSpace(challenge)
	if challenge == "" {
		// No PKCE challenge stored; accept regardless of verifier.
		return true
	}

	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return false
	}

	method = strings.TrimSpace(method)
	switch {
	case method == "" || strings.EqualFold(method, "plain"):
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	case strings.EqualFold(method, "S256"):
		sum := sha256.Sum256([]byte(verifier))
		expected := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(expected)) == 1
	default:
		return false
	}
}
