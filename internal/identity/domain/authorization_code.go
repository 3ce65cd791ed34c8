package domain

import "time"

// AuthorizationCode represents an OAuth 2.0 authorization code issuance.
// The raw code is never stored, only its fingerprint.
type AuthorizationCode struct {
	ID                  string
	UserID              string
	ClientID            string
	CodeHash            string
	RedirectURI         string
	Scopes              []string
	SessionID           string
	AMR                 []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}
