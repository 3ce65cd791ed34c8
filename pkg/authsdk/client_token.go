package authsdk

import (
	"context"
	"net/url"
	"strings"
)

// AuthorizationCodeGrant redeems an authorization code for tokens.
// codeVerifier is the PKCE verifier and may be empty for confidential
// clients that did not use PKCE. clientSecret is empty for public
// clients.
func (c *SDKClient) AuthorizationCodeGrant(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI, codeVerifier string,
) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}

	return c.requestToken(ctx, data)
}

// RefreshGrant requests new tokens using a refresh token. The returned
// response carries a new refresh token; the one passed in is dead
// afterwards. Passing scopes narrows the grant; nil keeps the original
// scopes.
func (c *SDKClient) RefreshGrant(
	ctx context.Context,
	clientID, clientSecret, refreshToken string,
	scopes []string,
) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}

	return c.requestToken(ctx, data)
}

// ClientCredentialsGrant requests an access token using the
// client_credentials grant. The client must be confidential. No refresh
// token is returned; re-authenticate when the token expires.
func (c *SDKClient) ClientCredentialsGrant(
	ctx context.Context,
	clientID, clientSecret string,
	scopes []string,
) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}

	return c.requestToken(ctx, data)
}

// RevokeToken revokes a refresh or access token per RFC 7009. Revoking
// an unknown token is not an error.
func (c *SDKClient) RevokeToken(ctx context.Context, clientID, clientSecret, token, tokenTypeHint string) error {
	data := url.Values{
		"token":     {token},
		"client_id": {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}

	return c.postForm(ctx, c.revocationEndpoint(), data, nil)
}

// Introspect queries the introspection endpoint per RFC 7662. The
// endpoint requires client credentials; an inactive or unknown token
// comes back with Active false rather than an error.
func (c *SDKClient) Introspect(
	ctx context.Context,
	clientID, clientSecret, token, tokenTypeHint string,
) (*IntrospectionResponse, error) {
	data := url.Values{
		"token":         {token},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}

	var result IntrospectionResponse
	if err := c.postForm(ctx, c.introspectionEndpoint(), data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SDKClient) requestToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	var tokenResp TokenResponse
	if err := c.postForm(ctx, c.tokenEndpoint(), data, &tokenResp); err != nil {
		return nil, err
	}
	return &tokenResp, nil
}
