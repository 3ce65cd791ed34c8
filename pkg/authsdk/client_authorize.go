package authsdk

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tasklight/tasklight/pkg/cryptox"
)

// PKCEChallenge holds the PKCE verifier and challenge pair. The verifier
// is kept secret by the client; the challenge is sent to the
// authorization endpoint.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string // always "S256"
}

// GeneratePKCEChallenge creates a new PKCE code verifier and challenge
// pair per RFC 7636 (256 bits of entropy, S256 method).
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	hash := sha256.Sum256([]byte(verifier))
	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		Method:    "S256",
	}, nil
}

// BuildAuthorizeURL constructs the authorization URL a browser should be
// sent to for the authorization code flow.
func (c *SDKClient) BuildAuthorizeURL(
	clientID, redirectURI, state string,
	scopes []string,
	pkce *PKCEChallenge,
) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)

	if state != "" {
		params.Set("state", state)
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	if pkce != nil {
		params.Set("code_challenge", pkce.Challenge)
		params.Set("code_challenge_method", pkce.Method)
	}

	return c.url(c.authorizeEndpoint()) + "?" + params.Encode()
}

// AuthorizeWithPassword performs an interactive authorization using
// username and password, for server-side flows where credentials are
// collected directly. A user with TOTP enrolled must supply otpCode or
// the server answers mfa_required.
//
// If the user has not previously consented to the requested scopes, the
// request is resubmitted once with consent granted. Callers that want to
// show an actual consent prompt should drive the authorize endpoint
// themselves.
//
// Returns the authorization code on success.
func (c *SDKClient) AuthorizeWithPassword(
	ctx context.Context,
	clientID, redirectURI, username, password, otpCode string,
	scopes []string,
	pkce *PKCEChallenge,
) (string, error) {
	state, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	data := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
		"username":      {username},
		"password":      {password},
	}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}
	if otpCode != "" {
		data.Set("otp_code", otpCode)
	}
	if pkce != nil {
		data.Set("code_challenge", pkce.Challenge)
		data.Set("code_challenge_method", pkce.Method)
	}

	code, err := c.submitAuthorize(ctx, data, state)
	if err != nil {
		var oauthErr *OAuth2Error
		if errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeConsentRequired {
			data.Set("consent", "granted")
			return c.submitAuthorize(ctx, data, state)
		}
		return "", err
	}
	return code, nil
}

// submitAuthorize posts the authorize form and extracts the code from the
// redirect. Redirects are not followed; the code is read from Location.
func (c *SDKClient) submitAuthorize(ctx context.Context, data url.Values, state string) (string, error) {
	noRedirectClient := &http.Client{
		Timeout: c.HTTPClient.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.url(c.authorizeEndpoint()),
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusFound {
		return "", parseErrorResponse(resp, bodyBytes)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("redirect response missing Location header")
	}

	code, gotState, err := ParseAuthorizationCallback(location)
	if err != nil {
		return "", err
	}
	if state != "" && gotState != state {
		return "", fmt.Errorf("authorization state mismatch")
	}
	return code, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens,
// completing the authorization code flow. Public clients pass an empty
// clientSecret; codeVerifier is required whenever PKCE was used.
func (c *SDKClient) ExchangeAuthorizationCode(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI, codeVerifier string,
) (*TokenResponse, error) {
	return c.AuthorizationCodeGrant(ctx, clientID, clientSecret, code, redirectURI, codeVerifier)
}

// AuthorizeAndExchange performs the complete authorization code flow in
// one call using password credentials, with a generated PKCE pair.
//
// Returns an authenticated Session on success. If the user has TOTP
// enrolled the call fails with mfa_required; use
// AuthorizeAndExchangeOTP instead.
func (c *SDKClient) AuthorizeAndExchange(
	ctx context.Context,
	clientID, clientSecret, redirectURI, username, password string,
	scopes []string,
) (*Session, error) {
	return c.AuthorizeAndExchangeOTP(ctx, clientID, clientSecret, redirectURI, username, password, "", scopes)
}

// AuthorizeAndExchangeOTP is AuthorizeAndExchange with a TOTP code for
// users with MFA enrolled.
func (c *SDKClient) AuthorizeAndExchangeOTP(
	ctx context.Context,
	clientID, clientSecret, redirectURI, username, password, otpCode string,
	scopes []string,
) (*Session, error) {
	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return nil, err
	}

	authCode, err := c.AuthorizeWithPassword(ctx, clientID, redirectURI, username, password, otpCode, scopes, pkce)
	if err != nil {
		return nil, err
	}

	tokenResp, err := c.ExchangeAuthorizationCode(ctx, clientID, clientSecret, authCode, redirectURI, pkce.Verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	s := newSession(c, clientID, tokenResp)
	s.clientSecret = clientSecret
	return s, nil
}

// ParseAuthorizationCallback extracts the authorization code and state
// from a redirect callback URL. An error response in the query is
// surfaced as a typed *OAuth2Error.
func ParseAuthorizationCallback(callbackURL string) (code, state string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse callback URL: %w", err)
	}

	query := u.Query()

	if errorCode := query.Get("error"); errorCode != "" {
		return "", "", NewOAuth2Error(http.StatusBadRequest, errorCode, query.Get("error_description"))
	}

	code = query.Get("code")
	if code == "" {
		return "", "", fmt.Errorf("callback missing authorization code")
	}

	return code, query.Get("state"), nil
}
