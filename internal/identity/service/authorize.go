package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/idx"
	"github.com/tasklight/tasklight/pkg/jwtx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

var (
	ErrLoginRequired           = errors.New("login_required")
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrConsentRequired         = errors.New("consent_required")
	ErrMFARequired             = errors.New("mfa_required")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")

	// ErrRedirectURIMismatch is a distinct invalid_request case: per RFC
	// 6749 section 3.1.2.3 the server must not redirect to an unregistered
	// URI, so the HTTP layer needs to tell it apart.
	ErrRedirectURIMismatch = errors.New("redirect_uri_mismatch")
)

// AuthorizeService encapsulates the OAuth2 authorization-code issuance
// flow: request validation, login, consent and code minting.
type AuthorizeService struct {
	Store   store.Store
	CodeTTL time.Duration
}

// AuthorizeRequest captures the validated inputs required to issue an
// authorization code.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Username/password pair for interactive login.
	Username string
	Password string

	// OTPCode is the TOTP code, required when the user has MFA enrolled.
	OTPCode string

	// ConsentGranted marks that the user approved the scope prompt on
	// this request.
	ConsentGranted bool
}

// AuthorizeCodeResponse contains the authorization code and redirect
// information for building the callback redirect. For hybrid response
// types the HTTP layer also needs the grant details to mint the
// front-channel tokens that accompany the code.
type AuthorizeCodeResponse struct {
	Code        string
	RedirectURI string
	State       string

	IncludeIDToken     bool
	IncludeAccessToken bool
	UserID             string
	SessionID          string
	Scopes             []string
	AMR                []string
	Nonce              string
}

// ValidatedRequest is the outcome of checking an authorization request
// before the user has logged in, used by the GET handler to render the
// login/consent page.
type ValidatedRequest struct {
	Client          domain.Client
	RequestedScopes []string

	// Response flags parsed from response_type. IDTokenResponse marks the
	// hybrid forms; AccessTokenResponse additionally requests a
	// front-channel access token.
	IDTokenResponse     bool
	AccessTokenResponse bool
}

// ValidateRequest checks the client, redirect URI, response type and PKCE
// parameters without authenticating anyone. The HTTP layer calls this on
// GET /authorize to decide whether to render the login form.
func (s *AuthorizeService) ValidateRequest(ctx context.Context, req AuthorizeRequest) (*ValidatedRequest, error) {
	withIDToken, withAccessToken, err := parseResponseType(req.ResponseType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.RedirectURI) == "" {
		return nil, ErrInvalidRequest
	}

	// The id token in a hybrid response is minted before the code
	// exchange, so the nonce binding it to this request must be present up
	// front (OIDC Core section 3.3.2.11).
	if withIDToken && strings.TrimSpace(req.Nonce) == "" {
		return nil, ErrInvalidRequest
	}

	client, err := s.Store.Clients().GetClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}

	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, ErrInvalidClient
	}
	if !client.AllowsRedirectURI(strings.TrimSpace(req.RedirectURI)) {
		return nil, ErrRedirectURIMismatch
	}

	if _, _, err := validatePKCE(req.CodeChallenge, req.CodeChallengeMethod, client); err != nil {
		return nil, err
	}

	requested := req.Scope
	if len(requested) == 0 {
		requested = client.Scopes
	}
	if !client.AllowsScopes(requested) {
		return nil, ErrInvalidScope
	}

	return &ValidatedRequest{
		Client:              client,
		RequestedScopes:     requested,
		IDTokenResponse:     withIDToken,
		AccessTokenResponse: withAccessToken,
	}, nil
}

// parseResponseType splits the space-delimited response_type per RFC 6749
// section 3.1.1. Supported combinations are "code" and the hybrid forms
// "code id_token" and "code id_token token", in any order.
func parseResponseType(raw string) (withIDToken, withAccessToken bool, err error) {
	parts := strings.Fields(strings.ToLower(raw))
	if len(parts) == 0 {
		return false, false, ErrInvalidRequest
	}

	var code bool
	for _, p := range parts {
		switch p {
		case "code":
			code = true
		case "id_token":
			withIDToken = true
		case "token":
			withAccessToken = true
		default:
			return false, false, ErrUnsupportedResponseType
		}
	}

	// A front-channel access token without an id token would be the plain
	// implicit flow, which is not offered.
	if !code || (withAccessToken && !withIDToken) {
		return false, false, ErrUnsupportedResponseType
	}

	return withIDToken, withAccessToken, nil
}

// IssueAuthorizationCode implements the OAuth2 authorization code flow per
// RFC 6749 section 4.1.
//
// The user authenticates with username/password; users with TOTP enrolled
// must also supply a valid code (ErrMFARequired when missing). Scopes are
// narrowed by the client's and the user's role's scope lists. When the
// client requires consent, or no prior grant covers the request,
// ErrConsentRequired is returned until the request carries ConsentGranted.
//
// Codes are single-use, bound to the redirect URI and PKCE challenge, and
// expire after CodeTTL (default 5 minutes).
func (s *AuthorizeService) IssueAuthorizationCode(ctx context.Context, req AuthorizeRequest) (*AuthorizeCodeResponse, error) {
	log := slogx.FromContext(ctx)

	validated, err := s.ValidateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	client := validated.Client

	challenge, method, err := validatePKCE(req.CodeChallenge, req.CodeChallengeMethod, client)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrLoginRequired
	}

	user, err := s.Store.Users().GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		log.Warn("authorize: user lookup failed", "error", err)
		return nil, err
	}

	if cryptox.VerifyPassword(req.Password, user.PasswordHash) != nil {
		return nil, ErrInvalidCredentials
	}

	amr := []string{jwtx.AMRPassword}

	if user.HasMFA() {
		code := strings.TrimSpace(req.OTPCode)
		if code == "" {
			return nil, ErrMFARequired
		}
		if !totp.Validate(code, *user.MFASecret) {
			return nil, ErrInvalidCredentials
		}
		amr = append(amr, jwtx.AMROTP, jwtx.AMRMFA)
	}

	role, err := s.Store.Roles().GetRoleByID(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}

	effective := role.FilterScopes(intersectScopes(validated.RequestedScopes, client.Scopes))
	if len(effective) == 0 {
		return nil, ErrInvalidScope
	}

	if err := s.checkConsent(ctx, now, &user, &client, effective, req.ConsentGranted); err != nil {
		return nil, err
	}

	code, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}

	ttl := s.CodeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	record := domain.AuthorizationCode{
		ID:                  idx.New().String(),
		UserID:              user.ID,
		ClientID:            client.ID,
		CodeHash:            cryptox.FingerprintToken(code),
		RedirectURI:         strings.TrimSpace(req.RedirectURI),
		Scopes:              effective,
		SessionID:           idx.New().String(),
		AMR:                 dedupe(amr),
		Nonce:               req.Nonce,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           now.Add(ttl),
		CreatedAt:           now,
	}

	if err := s.Store.AuthorizationCodes().CreateAuthorizationCode(ctx, record); err != nil {
		return nil, err
	}

	return &AuthorizeCodeResponse{
		Code:        code,
		RedirectURI: record.RedirectURI,
		State:       req.State,

		IncludeIDToken:     validated.IDTokenResponse,
		IncludeAccessToken: validated.AccessTokenResponse,
		UserID:             user.ID,
		SessionID:          record.SessionID,
		Scopes:             effective,
		AMR:                record.AMR,
		Nonce:              req.Nonce,
	}, nil
}

// checkConsent enforces the consent prompt. A granted prompt is persisted
// so repeat requests for the same (or fewer) scopes skip it, unless the
// client always requires consent.
func (s *AuthorizeService) checkConsent(
	ctx context.Context,
	now time.Time,
	user *domain.User,
	client *domain.Client,
	scopes []string,
	granted bool,
) error {
	if granted {
		return s.Store.Consents().UpsertConsent(ctx, domain.Consent{
			ID:        idx.New().String(),
			UserID:    user.ID,
			ClientID:  client.ID,
			Scopes:    scopes,
			CreatedAt: now,
		})
	}

	if client.RequireConsent {
		return ErrConsentRequired
	}

	existing, err := s.Store.Consents().GetConsent(ctx, user.ID, client.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConsentRequired
		}
		return err
	}
	if !existing.Covers(scopes) {
		return ErrConsentRequired
	}

	return nil
}

func validatePKCE(challenge, method string, client domain.Client) (string, string, error) {
	trimmedChallenge := strings.TrimSpace(challenge)
	trimmedMethod := strings.TrimSpace(method)

	if trimmedChallenge == "" {
		if client.IsPublic() || client.RequirePKCE {
			return "", "", ErrInvalidRequest
		}
		// Confidential clients may omit PKCE; store empty values.
		return "", "", nil
	}

	normalizedMethod := trimmedMethod
	switch {
	case strings.EqualFold(trimmedMethod, "S256"):
		normalizedMethod = "S256"
	case strings.EqualFold(trimmedMethod, "plain"):
		normalizedMethod = "plain"
	case trimmedMethod == "":
		// Default to S256 when challenge provided but method omitted.
		normalizedMethod = "S256"
	default:
		return "", "", ErrInvalidRequest
	}

	return trimmedChallenge, normalizedMethod, nil
}
