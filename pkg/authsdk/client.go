// Package authsdk is the client SDK for the tasklight identity service.
// It wraps the OAuth2 token endpoints and provides Sessions that renew
// access tokens automatically before they expire.
package authsdk

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// SDKClient is a client for the tasklight identity service. It provides
// access to unauthenticated endpoints (token, discovery, JWKS) and can
// create authenticated Sessions.
type SDKClient struct {
	BaseURL    string
	HTTPClient *http.Client

	discoveryMu sync.RWMutex
	discovery   *DiscoveryDocument
}

// NewSDKClient creates a new identity service client.
func NewSDKClient(baseURL string) *SDKClient {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = 10 * time.Second

	return &SDKClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: c,
	}
}

// NewFromDiscovery creates a client and immediately loads the provider's
// discovery document, so endpoint paths come from the server rather than
// being hardcoded.
func NewFromDiscovery(ctx context.Context, issuerURL string) (*SDKClient, error) {
	c := NewSDKClient(issuerURL)
	if _, err := c.Discover(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// AuthenticateWithClientCredentials creates an authenticated session
// using the client_credentials grant. This is for machine-to-machine
// authentication; the resulting session has no refresh token and
// re-authenticates with the same credentials when the token expires.
func (c *SDKClient) AuthenticateWithClientCredentials(
	ctx context.Context,
	clientID, clientSecret string,
	scopes []string,
) (*Session, error) {
	tokenResp, err := c.ClientCredentialsGrant(ctx, clientID, clientSecret, scopes)
	if err != nil {
		return nil, err
	}

	s := newSession(c, clientID, tokenResp)
	s.clientSecret = clientSecret
	s.scopesRequested = scopes
	return s, nil
}

// AuthenticateWithCode creates an authenticated session by redeeming an
// authorization code obtained from the authorize endpoint.
func (c *SDKClient) AuthenticateWithCode(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI, codeVerifier string,
) (*Session, error) {
	tokenResp, err := c.AuthorizationCodeGrant(ctx, clientID, clientSecret, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}

	s := newSession(c, clientID, tokenResp)
	s.clientSecret = clientSecret
	return s, nil
}

// AuthenticateWithRefreshToken creates an authenticated session from an
// existing refresh token, e.g. one restored from storage.
func (c *SDKClient) AuthenticateWithRefreshToken(
	ctx context.Context,
	clientID, clientSecret, refreshToken string,
) (*Session, error) {
	tokenResp, err := c.RefreshGrant(ctx, clientID, clientSecret, refreshToken, nil)
	if err != nil {
		return nil, err
	}

	s := newSession(c, clientID, tokenResp)
	s.clientSecret = clientSecret
	return s, nil
}
