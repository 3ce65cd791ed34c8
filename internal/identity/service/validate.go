package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/jwtx"
)

var (
	ErrTokenNotFound    = errors.New("token_not_found")
	ErrTokenExpired     = errors.New("token_expired")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrAudienceMismatch = errors.New("audience_mismatch")
)

// TokenInfo is the normalized result of validating either token format.
type TokenInfo struct {
	Subject   string
	ClientID  string
	SessionID string
	Scopes    []string
	AMR       []string
	Audience  []string
	ExpiresAt time.Time
	TokenType string // "jwt" or "reference"
}

// referenceCacheTTL bounds how stale a cached reference token lookup can
// be. Revocation takes up to this long to propagate to validators.
const referenceCacheTTL = 30 * time.Second

// ValidationService validates both self-contained JWTs and opaque
// reference tokens. Reference lookups are fronted by a small TTL cache so
// hot tokens don't hit the store on every request.
type ValidationService struct {
	Verifier jwtx.Verifier
	Store    store.Store
	Audience string // expected audience, empty disables the check

	// AfterValidate, when set, runs on every successful validation. It
	// may mutate the TokenInfo (e.g. filter scopes) or reject it.
	AfterValidate func(ctx context.Context, info *TokenInfo) error

	refCache *ttlcache.Cache[string, domain.ReferenceToken]
}

// NewValidationService builds a ValidationService and starts its cache
// janitor.
func NewValidationService(verifier jwtx.Verifier, st store.Store, audience string) *ValidationService {
	cache := ttlcache.New[string, domain.ReferenceToken](
		ttlcache.WithTTL[string, domain.ReferenceToken](referenceCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.ReferenceToken](),
	)
	go cache.Start()

	return &ValidationService{
		Verifier: verifier,
		Store:    st,
		Audience: audience,
		refCache: cache,
	}
}

// Stop shuts down the cache janitor.
func (s *ValidationService) Stop() {
	if s.refCache != nil {
		s.refCache.Stop()
	}
}

// ValidateAccessToken checks an access token of either format. Compact
// JWTs are verified locally; anything else is treated as an opaque
// reference handle and resolved against the store.
func (s *ValidationService) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenNotFound
	}

	var (
		info *TokenInfo
		err  error
	)
	if looksLikeJWT(token) {
		info, err = s.validateJWT(token)
	} else {
		info, err = s.validateReference(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if s.AfterValidate != nil {
		if err := s.AfterValidate(ctx, info); err != nil {
			return nil, err
		}
	}

	return info, nil
}

func (s *ValidationService) validateJWT(token string) (*TokenInfo, error) {
	c, err := s.Verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, jwtx.ErrExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwtx.ErrAudience):
			return nil, ErrAudienceMismatch
		case errors.Is(err, jwtx.ErrInvalidSig), errors.Is(err, jwtx.ErrUnknownKID):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrTokenNotFound
		}
	}

	var expires time.Time
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}

	return &TokenInfo{
		Subject:   c.Subject,
		ClientID:  c.ClientID,
		SessionID: c.SID,
		Scopes:    c.Scopes,
		AMR:       c.AMR,
		Audience:  c.Audience,
		ExpiresAt: expires,
		TokenType: "jwt",
	}, nil
}

func (s *ValidationService) validateReference(ctx context.Context, token string) (*TokenInfo, error) {
	now := time.Now()

	rec, err := s.lookupReference(ctx, token)
	if err != nil {
		return nil, err
	}

	if rec.Revoked {
		return nil, ErrTokenNotFound
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if s.Audience != "" && !slices.Contains(rec.Audience, s.Audience) {
		return nil, ErrAudienceMismatch
	}

	subject := rec.UserID
	if subject == "" {
		subject = rec.ClientID // client_credentials token
	}

	return &TokenInfo{
		Subject:   subject,
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		Scopes:    rec.Scopes,
		AMR:       rec.AMR,
		Audience:  rec.Audience,
		ExpiresAt: rec.ExpiresAt,
		TokenType: "reference",
	}, nil
}

func (s *ValidationService) lookupReference(ctx context.Context, token string) (domain.ReferenceToken, error) {
	fp := cryptox.FingerprintToken(token)

	if s.refCache != nil {
		if item := s.refCache.Get(fp); item != nil {
			return item.Value(), nil
		}
	}

	rec, err := s.Store.ReferenceTokens().GetReferenceTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ReferenceToken{}, ErrTokenNotFound
		}
		return domain.ReferenceToken{}, err
	}

	// Revoked and expired records are cached too; re-checking them is as
	// cheap as re-checking live ones and avoids hammering the store with
	// dead handles.
	if s.refCache != nil {
		s.refCache.Set(fp, rec, ttlcache.DefaultTTL)
	}

	return rec, nil
}

// InvalidateReference drops a cached reference token lookup so a
// revocation becomes visible on this node immediately instead of after
// the cache TTL.
func (s *ValidationService) InvalidateReference(token string) {
	if s.refCache != nil {
		s.refCache.Delete(cryptox.FingerprintToken(token))
	}
}

// Introspection is the RFC 7662 response shape.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Aud       any    `json:"aud,omitempty"`
	SID       string `json:"sid,omitempty"`
}

// Introspect implements RFC 7662 semantics: every failure collapses to
// {"active": false} so callers cannot distinguish unknown from expired.
func (s *ValidationService) Introspect(ctx context.Context, token, tokenTypeHint string) Introspection {
	// Refresh tokens can be introspected too, per the hint.
	if tokenTypeHint == "refresh_token" {
		if intro, ok := s.introspectRefresh(ctx, token); ok {
			return intro
		}
		// Fall through: the hint is advisory only.
	}

	info, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		if intro, ok := s.introspectRefresh(ctx, token); ok {
			return intro
		}
		return Introspection{Active: false}
	}

	return Introspection{
		Active:    true,
		Scope:     strings.Join(info.Scopes, " "),
		ClientID:  info.ClientID,
		Subject:   info.Subject,
		TokenType: "Bearer",
		Exp:       info.ExpiresAt.Unix(),
		Aud:       info.Audience,
		SID:       info.SessionID,
	}
}

func (s *ValidationService) introspectRefresh(ctx context.Context, token string) (Introspection, bool) {
	fp := cryptox.FingerprintToken(token)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		return Introspection{}, false
	}
	if rt.Revoked || time.Now().After(rt.ExpiresAt) {
		return Introspection{Active: false}, true
	}
	return Introspection{
		Active:    true,
		Scope:     strings.Join(rt.Scopes, " "),
		ClientID:  rt.ClientID,
		Subject:   rt.UserID,
		TokenType: "refresh_token",
		Exp:       rt.ExpiresAt.Unix(),
		SID:       rt.SessionID,
	}, true
}

// looksLikeJWT is a cheap structural check: three dot-separated segments.
// Opaque handles are base64url with no dots.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
