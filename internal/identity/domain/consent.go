package domain

import (
	"slices"
	"time"
)

// Consent records scopes a user has previously granted to a client, so the
// authorize endpoint can skip the prompt for repeat requests.
type Consent struct {
	ID        string
	UserID    string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Covers reports whether the consent already includes every requested
// scope.
func (c *Consent) Covers(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}
