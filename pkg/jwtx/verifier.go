package jwtx

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrUnknownKID  = errors.New("jwtx: unknown key id")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrAudience    = errors.New("jwtx: audience mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier validates compact JWTs and returns their claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// KeySetVerifier validates tokens against a KeySet, checking signature,
// issuer, audience and time-based claims. The expected audience may be
// empty, in which case no audience check is performed (the issuer's own
// admin surface accepts any of its tokens).
type KeySetVerifier struct {
	keys     *KeySet
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewKeySetVerifier builds a verifier bound to an issuer and optional
// audience.
func NewKeySetVerifier(keys *KeySet, issuer, audience string) *KeySetVerifier {
	return &KeySetVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"EdDSA", "RS256"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates a compact JWT. It returns sentinel errors so
// callers can map failures onto OAuth2 error responses.
func (v *KeySetVerifier) Verify(tokenStr string) (Claims, error) {
	var claims Claims

	_, err := v.parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		key, err := v.keys.Get(kid)
		if err != nil {
			return nil, ErrUnknownKID
		}
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKID):
			return Claims{}, ErrUnknownKID
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, ErrMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return Claims{}, ErrNotYetValid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrInvalidSig
		default:
			return Claims{}, ErrMalformed
		}
	}

	if err := claims.ValidateIssuer(v.issuer); err != nil {
		return Claims{}, ErrIssuer
	}
	if v.audience != "" {
		if err := claims.ValidateAudience([]string{v.audience}); err != nil {
			return Claims{}, ErrAudience
		}
	}

	return claims, nil
}
