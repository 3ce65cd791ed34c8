package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/httpx"
)

// AuthorizeHandler processes OAuth2 authorization requests: the plain
// authorization code flow and the hybrid response types that also return
// tokens in the redirect fragment.
type AuthorizeHandler struct {
	AuthorizeService *service.AuthorizeService
	TokenService     *service.TokenService
	Logger           *slog.Logger
}

// HandleGet processes GET requests to the authorization endpoint.
// It validates the request parameters so the relying party learns about a
// bad client_id or redirect_uri before showing a login form, then returns
// 401 login_required describing what the POST needs.
//
//	@Summary		OAuth2 authorization endpoint (GET)
//	@Description	Validates an authorization request and returns the parameters the login form must submit.
//	@Description	Authentication happens on the POST; this endpoint never issues a code.
//	@Tags			OAuth2
//	@Produce		json
//	@Param			response_type			query		string					true	"'code', or 'code id_token' / 'code id_token token' for the hybrid flow"	default(code)
//	@Param			client_id				query		string					true	"OAuth2 client identifier"
//	@Param			redirect_uri			query		string					true	"Callback URI (must match registered redirect URI)"
//	@Param			scope					query		string					false	"Space-delimited list of scopes"
//	@Param			state					query		string					false	"Opaque value for CSRF protection (recommended)"
//	@Param			nonce					query		string					false	"OIDC nonce, echoed in the id token"
//	@Param			code_challenge			query		string					false	"PKCE code challenge (required for public clients)"
//	@Param			code_challenge_method	query		string					false	"PKCE method (S256 or plain, defaults to S256)"	Enums(S256, plain)
//	@Success		401						{object}	map[string]interface{}	"login_required with echo of validated parameters"
//	@Failure		400						{object}	authsdk.ErrorResponse	"error, error_description"
//	@Router			/v1/oauth2/authorize [get]
func (h *AuthorizeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if h.AuthorizeService == nil {
		authsdk.ErrServerError.WriteError(w)
		return
	}

	authReq := buildAuthorizeRequest(nil, r.URL.Query())

	validated, err := h.AuthorizeService.ValidateRequest(r.Context(), authReq)
	if err != nil {
		h.handleAuthorizeError(w, r, authReq, err)
		return
	}

	payload := map[string]any{
		"error":             "login_required",
		"error_description": "user authentication required",
		"response_type":     authReq.ResponseType,
		"client_id":         authReq.ClientID,
		"client_name":       validated.Client.Name,
		"redirect_uri":      authReq.RedirectURI,
		"scope":             strings.Join(validated.RequestedScopes, " "),
	}
	if authReq.State != "" {
		payload["state"] = authReq.State
	}
	httpx.WriteJSON(w, http.StatusUnauthorized, payload)
}

// HandlePost processes POST requests to the authorization endpoint. The
// form carries the user's credentials (plus otp_code when TOTP is
// enrolled, and consent=granted after the consent prompt) alongside the
// OAuth2 parameters.
//
//	@Summary		OAuth2 authorization endpoint (POST)
//	@Description	Authenticates the user and issues an authorization code.
//	@Description	- Success: 302 redirect to redirect_uri with code and state
//	@Description	- Hybrid response types additionally return id_token (and access_token) in the redirect fragment
//	@Description	- MFA enrolled but no otp_code: 401 mfa_required, resubmit with otp_code
//	@Description	- Consent needed: 403 consent_required listing the scopes, resubmit with consent=granted
//	@Tags			OAuth2
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			response_type			formData	string					true	"'code', or 'code id_token' / 'code id_token token' for the hybrid flow"	default(code)
//	@Param			client_id				formData	string					true	"OAuth2 client identifier"
//	@Param			redirect_uri			formData	string					true	"Callback URI (must match registered redirect URI)"
//	@Param			scope					formData	string					false	"Space-delimited list of scopes"
//	@Param			state					formData	string					false	"Opaque value for CSRF protection (recommended)"
//	@Param			nonce					formData	string					false	"OIDC nonce, echoed in the id token"
//	@Param			code_challenge			formData	string					false	"PKCE code challenge (required for public clients)"
//	@Param			code_challenge_method	formData	string					false	"PKCE method (S256 or plain, defaults to S256)"	Enums(S256, plain)
//	@Param			username				formData	string					true	"Username"
//	@Param			password				formData	string					true	"Password"
//	@Param			otp_code				formData	string					false	"TOTP code (required when the user has MFA enrolled)"
//	@Param			consent					formData	string					false	"Set to 'granted' after the consent prompt"
//	@Success		302						{string}	string					"Redirect to redirect_uri with code and state"
//	@Failure		400						{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		401						{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		403						{object}	map[string]interface{}	"consent_required with requested scopes"
//	@Router			/v1/oauth2/authorize [post]
func (h *AuthorizeHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	if h.AuthorizeService == nil {
		authsdk.ErrServerError.WriteError(w)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		authsdk.ErrInvalidContentType.WriteError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidFormBody.WriteError(w)
		return
	}

	authReq := buildAuthorizeRequest(r.Form, r.URL.Query())
	authReq.Username = strings.TrimSpace(r.Form.Get("username"))
	authReq.Password = r.Form.Get("password")
	authReq.OTPCode = strings.TrimSpace(r.Form.Get("otp_code"))
	authReq.ConsentGranted = r.Form.Get("consent") == "granted"

	resp, err := h.AuthorizeService.IssueAuthorizationCode(r.Context(), authReq)
	if err != nil {
		h.handleAuthorizeError(w, r, authReq, err)
		return
	}

	var frontChannel *domain.TokenSet
	if resp.IncludeIDToken {
		if h.TokenService == nil {
			authsdk.ErrServerError.WriteError(w)
			return
		}
		frontChannel, err = h.TokenService.IssueFrontChannelTokens(
			r.Context(),
			authReq.ClientID,
			resp.UserID,
			resp.SessionID,
			resp.Scopes,
			resp.AMR,
			resp.Nonce,
			resp.IncludeAccessToken,
		)
		if err != nil {
			h.logger().Error("failed to mint hybrid response tokens", "error", err)
			authsdk.ErrServerError.WriteError(w)
			return
		}
	}

	redirectURL, err := buildAuthorizeRedirect(resp, frontChannel)
	if err != nil {
		h.logger().Error("failed to build redirect URL", "error", err)
		authsdk.ErrServerError.WriteError(w)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// buildAuthorizeRequest reads the OAuth2 parameters, preferring the form
// body over the query string so a login form can simply re-post what the
// GET echoed back.
func buildAuthorizeRequest(primary, secondary url.Values) service.AuthorizeRequest {
	pick := func(key string) string {
		if primary != nil {
			if v := strings.TrimSpace(primary.Get(key)); v != "" {
				return v
			}
		}
		if secondary != nil {
			return strings.TrimSpace(secondary.Get(key))
		}
		return ""
	}

	return service.AuthorizeRequest{
		ResponseType:        pick("response_type"),
		ClientID:            pick("client_id"),
		RedirectURI:         pick("redirect_uri"),
		Scope:               httpx.ParseSpaceDelimitedFields(pick("scope")),
		State:               pick("state"),
		Nonce:               pick("nonce"),
		CodeChallenge:       pick("code_challenge"),
		CodeChallengeMethod: pick("code_challenge_method"),
	}
}

func (h *AuthorizeHandler) handleAuthorizeError(w http.ResponseWriter, r *http.Request, req service.AuthorizeRequest, err error) {
	logger := h.logger()

	// Per RFC 6749 section 3.1.2.3 an unregistered redirect_uri must never
	// be redirected to; show the error to the user instead.
	if errors.Is(err, service.ErrRedirectURIMismatch) {
		authsdk.NewOAuth2Error(
			http.StatusBadRequest,
			authsdk.ErrorCodeInvalidRequest,
			"the redirect_uri does not match a registered URI for the client",
		).WriteError(w)
		logger.Debug("authorize rejected: redirect_uri mismatch",
			slog.String("client_id", req.ClientID),
			slog.String("redirect_uri", req.RedirectURI))
		return
	}

	if errors.Is(err, service.ErrConsentRequired) {
		payload := map[string]any{
			"error":             authsdk.ErrorCodeConsentRequired,
			"error_description": "user consent is required for the requested scopes",
			"client_id":         req.ClientID,
			"scope":             strings.Join(req.Scope, " "),
		}
		if req.State != "" {
			payload["state"] = req.State
		}
		httpx.WriteJSON(w, http.StatusForbidden, payload)
		return
	}

	var oauthError *authsdk.OAuth2Error
	switch {
	case errors.Is(err, service.ErrMFARequired):
		oauthError = authsdk.ErrMFARequired
	case errors.Is(err, service.ErrInvalidClient):
		oauthError = authsdk.ErrInvalidClient
	case errors.Is(err, service.ErrInvalidScope):
		oauthError = authsdk.ErrInvalidScope
	case errors.Is(err, service.ErrUnsupportedResponseType):
		oauthError = authsdk.ErrUnsupportedResponseType
	case errors.Is(err, service.ErrInvalidRequest):
		oauthError = authsdk.ErrInvalidRequest
	case errors.Is(err, service.ErrLoginRequired):
		oauthError = authsdk.NewOAuth2Error(
			http.StatusUnauthorized,
			"login_required",
			"user authentication is required",
		)
	case errors.Is(err, service.ErrInvalidCredentials):
		oauthError = authsdk.NewOAuth2Error(
			http.StatusUnauthorized,
			authsdk.ErrorCodeAccessDenied,
			"the provided credentials are incorrect",
		)
	default:
		logger.Error("authorize request failed", "error", err)
		authsdk.ErrServerError.WriteError(w)
		return
	}

	// Scope errors are safe to report to the client application via the
	// (already validated) redirect URI per RFC 6749 section 4.1.2.1.
	// Credential failures stay with the user agent.
	if req.RedirectURI != "" && errors.Is(err, service.ErrInvalidScope) {
		if redirectURL := buildErrorRedirect(req.RedirectURI, req.State, oauthError); redirectURL != "" {
			http.Redirect(w, r, redirectURL, http.StatusFound)
			return
		}
	}

	oauthError.WriteError(w)
	logger.Debug("authorize request returned error response", "error_code", oauthError.Code)
}

func (h *AuthorizeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// buildAuthorizeRedirect constructs the success redirect. Code-only
// responses use the query string; hybrid responses carry everything in
// the fragment per OIDC Core section 3.3.2.5.
func buildAuthorizeRedirect(resp *service.AuthorizeCodeResponse, tokens *domain.TokenSet) (string, error) {
	u, err := url.Parse(resp.RedirectURI)
	if err != nil {
		return "", err
	}

	if tokens == nil {
		q := u.Query()
		q.Set("code", resp.Code)
		if resp.State != "" {
			q.Set("state", resp.State)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	f := url.Values{}
	f.Set("code", resp.Code)
	if resp.State != "" {
		f.Set("state", resp.State)
	}
	f.Set("id_token", tokens.IDToken)
	if tokens.AccessToken != "" {
		f.Set("access_token", tokens.AccessToken)
		f.Set("token_type", tokens.TokenType)
		f.Set("expires_in", strconv.Itoa(int(tokens.ExpiresIn.Seconds())))
	}

	u.Fragment = ""
	return u.String() + "#" + f.Encode(), nil
}

// buildErrorRedirect constructs a redirect URL for an OAuth2 error.
// It returns an empty string if the baseURI is invalid.
func buildErrorRedirect(baseURI, state string, oauthError *authsdk.OAuth2Error) string {
	u, err := url.Parse(baseURI)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("error", oauthError.Code)
	if oauthError.Description != "" {
		q.Set("error_description", oauthError.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
