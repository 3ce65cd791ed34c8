package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants for the standard OAuth2/OIDC flows. Sensible
// security defaults, overridable per-service.
const (
	// DefaultIdentityTokenTTL is the default lifetime for id tokens.
	// Very short lived since they only prove the authentication event.
	DefaultIdentityTokenTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Authentication Method Reference values used in the "amr" claim.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRMFA      = "mfa"
	AMRRefresh  = "refresh"
	AMRClient   = "client"
)

// Claims are the claims carried in every token this service signs. Access
// tokens and id tokens share the type, id tokens just leave the scope
// fields empty.
type Claims struct {
	jwt.RegisteredClaims

	// SID is the session ID, stable across token refreshes.
	SID string `json:"sid,omitempty"`

	// Scopes granted to the access token, e.g. ["openid", "todo:read"].
	Scopes []string `json:"scope,omitempty"`

	// AMR is the Authentication Method Reference history.
	AMR []string `json:"amr,omitempty"`

	// ClientID identifies the client the token was issued to.
	ClientID string `json:"client_id,omitempty"`

	// Identity claims (id token / userinfo only).
	Name   string   `json:"name,omitempty"`
	Locale string   `json:"locale,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Nonce  string   `json:"nonce,omitempty"`
}

// NewAccessClaims builds minimally-correct access-token claims.
func NewAccessClaims(
	subject, sid, clientID string,
	scopes, amr []string,
	ttl time.Duration,
	issuer string,
	audience []string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		SID:      sid,
		Scopes:   scopes,
		AMR:      amr,
		ClientID: clientID,
	}
}

// NewIdentityClaims builds id-token claims. The audience is always the
// client the token is issued to.
func NewIdentityClaims(
	subject, sid, clientID string,
	name, locale string,
	roles, amr []string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		SID:      sid,
		AMR:      amr,
		ClientID: clientID,
		Name:     name,
		Locale:   locale,
		Roles:    roles,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateIssuer checks if the issuer matches the expected value.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil // nothing to enforce
	}

	if c.Issuer != expected {
		return ErrIssuer
	}

	return nil
}

// ValidateAudience checks if at least one expected audience is present.
func (c *Claims) ValidateAudience(expected []string) error {
	if len(expected) == 0 {
		return nil // nothing to enforce
	}

	for _, want := range expected {
		if slices.Contains(c.Audience, want) {
			return nil
		}
	}

	return ErrAudience
}

// ValidateExpiry ensures the token hasn't expired (exp) and isn't used
// before it is valid (nbf).
func (c *Claims) ValidateExpiry() error {
	now := time.Now().UTC()

	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time) {
		return ErrExpired
	}

	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return ErrNotYetValid
	}

	return nil
}

// HasScope reports whether the claims carry the given scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}
