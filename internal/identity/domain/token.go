package domain

import "time"

// TokenSet is what the token endpoint returns: the access token (JWT or
// opaque handle), an optional refresh token and an optional id token.
type TokenSet struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	IDToken      string        `json:"id_token,omitempty"`
	TokenType    string        `json:"token_type,omitempty"` // "Bearer"
	ExpiresIn    time.Duration `json:"expires_in"`           // seconds until expiry
	Scope        string        `json:"scope,omitempty"`      // space-delimited
}

// RefreshToken models the stored refresh token record. Rotation revokes the
// row and inserts a replacement sharing the SessionID.
type RefreshToken struct {
	ID        string
	UserID    string
	ClientID  string
	TokenHash string // deterministic fingerprint (base64url SHA-256)
	SessionID string // persists across rotations
	Scopes    []string
	AMR       []string

	// ExpiresAt is the current expiry. Under sliding expiration it
	// advances on rotation; AbsoluteExpiresAt caps it either way.
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time

	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferenceToken models a stored opaque access token. Validation resolves
// the handle fingerprint to this record.
type ReferenceToken struct {
	ID        string
	UserID    string // empty for client_credentials tokens
	ClientID  string
	TokenHash string
	SessionID string
	Scopes    []string
	AMR       []string
	Audience  []string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Active reports whether the reference token is usable at the given time.
func (t *ReferenceToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
