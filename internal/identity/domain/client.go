package domain

import (
	"slices"
	"time"
)

// Access token formats a client can be configured with.
const (
	// AccessTokenTypeJWT mints self-contained signed tokens.
	AccessTokenTypeJWT = "jwt"

	// AccessTokenTypeReference mints opaque handles that resolve against
	// the token store on every validation.
	AccessTokenTypeReference = "reference"
)

// Refresh token expiration policies.
const (
	// RefreshExpirationAbsolute keeps the original expiry through
	// rotations.
	RefreshExpirationAbsolute = "absolute"

	// RefreshExpirationSliding extends the expiry on every rotation, up
	// to the client's absolute lifetime cap.
	RefreshExpirationSliding = "sliding"
)

// OAuth2 grant types clients can be allowed to use.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

type Client struct {
	ID         string
	Name       string
	SecretHash string // empty for public clients

	Scopes       []string
	RedirectURIs []string
	GrantTypes   []string

	// AccessTokenType selects "jwt" or "reference" minting. Flipping it
	// only affects tokens issued afterwards; outstanding tokens stay
	// valid until they expire.
	AccessTokenType string

	// AllowOfflineAccess gates refresh token issuance.
	AllowOfflineAccess bool

	// RequireConsent forces the consent prompt even when a prior grant
	// exists.
	RequireConsent bool

	// RefreshExpiration is "absolute" or "sliding".
	RefreshExpiration string

	// RequirePKCE rejects authorization requests without a code
	// challenge.
	RequirePKCE bool

	AccessTokenTTL  time.Duration // zero means service default
	RefreshTokenTTL time.Duration // absolute refresh lifetime, zero means service default

	Protected bool // cannot be deleted (e.g. seeded first-party client)
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPublic reports whether the client has no secret and must use PKCE.
func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// AllowsRedirectURI checks the redirect URI against the registered list
// with exact string matching.
func (c *Client) AllowsRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsScopes reports whether every requested scope is registered on the
// client.
func (c *Client) AllowsScopes(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}
