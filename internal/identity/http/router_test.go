package http

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/internal/identity/store/drivers/sqlite"
	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/idx"
	"github.com/tasklight/tasklight/pkg/jwtx"
)

const (
	testIssuer   = "https://identity.test"
	testPassword = "correct horse"
	testVerifier = "example-code-verifier-for-http-tests"
)

type routerFixture struct {
	store  store.Store
	server *httptest.Server
	client *http.Client

	user         domain.User
	publicClient domain.Client
	m2mClient    domain.Client
	m2mSecret    string
}

func newRouterFixture(t *testing.T, mutate func(c *domain.Client)) *routerFixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewStore("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	role := domain.Role{
		ID:     idx.New().String(),
		Name:   "member",
		Scopes: []string{"openid", "tasks:read", "tasks:write"},
	}
	require.NoError(t, st.Roles().CreateRole(ctx, role))

	hash, err := cryptox.HashPassword(testPassword)
	require.NoError(t, err)

	user := domain.User{
		ID:            idx.New().String(),
		Username:      "alice",
		PreferredName: "Alice",
		PasswordHash:  hash,
		RoleID:        role.ID,
	}
	require.NoError(t, st.Users().CreateUser(ctx, user))

	publicClient := domain.Client{
		ID:                 idx.New().String(),
		Name:               "web-app",
		Scopes:             []string{"openid", "tasks:read", "tasks:write"},
		RedirectURIs:       []string{"https://app.test/callback"},
		GrantTypes:         []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		AccessTokenType:    domain.AccessTokenTypeJWT,
		AllowOfflineAccess: true,
		RefreshExpiration:  domain.RefreshExpirationAbsolute,
	}
	if mutate != nil {
		mutate(&publicClient)
	}
	require.NoError(t, st.Clients().CreateClient(ctx, publicClient))

	m2mSecret := "m2m-client-secret"
	secretHash, err := cryptox.HashPassword(m2mSecret)
	require.NoError(t, err)

	m2mClient := domain.Client{
		ID:              idx.New().String(),
		Name:            "task-worker",
		SecretHash:      secretHash,
		Scopes:          []string{"tasks:read"},
		GrantTypes:      []string{domain.GrantClientCredentials},
		AccessTokenType: domain.AccessTokenTypeJWT,
	}
	require.NoError(t, st.Clients().CreateClient(ctx, m2mClient))

	km, err := jwtx.NewKeyManager(jwtx.KeyManagerOptions{NumKeys: 1})
	require.NoError(t, err)
	keys := km.KeySet()
	verifier := jwtx.NewKeySetVerifier(keys, testIssuer, "")

	pipeline := &claims.Pipeline{DefaultLocale: "en-AU"}

	tokenSvc := &service.TokenService{
		KeyManager: km,
		Store:      st,
		Claims:     pipeline,
		Issuer:     testIssuer,
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}
	validationSvc := service.NewValidationService(verifier, st, "")
	t.Cleanup(validationSvc.Stop)
	authorizeSvc := &service.AuthorizeService{Store: st}

	router := NewRouter(keys, verifier, testIssuer, "test", st, slog.New(slog.DiscardHandler))
	router.TokenService = tokenSvc
	router.ValidationService = validationSvc
	router.AuthorizeService = authorizeSvc
	router.Claims = pipeline
	router.ApplyRoutes()

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	httpClient := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &routerFixture{
		store:        st,
		server:       server,
		client:       httpClient,
		user:         user,
		publicClient: publicClient,
		m2mClient:    m2mClient,
		m2mSecret:    m2mSecret,
	}
}

func (f *routerFixture) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := f.client.Post(
		f.server.URL+path,
		"application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()),
	)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// authorizeForm builds a complete login submission for the public client.
func (f *routerFixture) authorizeForm() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {f.publicClient.ID},
		"redirect_uri":          {"https://app.test/callback"},
		"scope":                 {"openid tasks:read"},
		"state":                 {"xyzzy"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {pkceChallenge(testVerifier)},
		"code_challenge_method": {"S256"},
		"username":              {"alice"},
		"password":              {testPassword},
	}
}

// obtainCode walks the consent prompt and returns the authorization code.
func (f *routerFixture) obtainCode(t *testing.T) string {
	t.Helper()

	form := f.authorizeForm()
	resp := f.postForm(t, "/v1/oauth2/authorize", form)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "first submission prompts for consent")
	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, "consent_required", body["error"])

	form.Set("consent", "granted")
	resp = f.postForm(t, "/v1/oauth2/authorize", form)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.test", loc.Host)
	require.Equal(t, "xyzzy", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizeGetEchoesValidatedRequest(t *testing.T) {
	f := newRouterFixture(t, nil)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.publicClient.ID},
		"redirect_uri":          {"https://app.test/callback"},
		"scope":                 {"tasks:read"},
		"state":                 {"abc"},
		"code_challenge":        {pkceChallenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
	resp, err := f.client.Get(f.server.URL + "/v1/oauth2/authorize?" + q.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, "login_required", body["error"])
	require.Equal(t, f.publicClient.ID, body["client_id"])
	require.Equal(t, "web-app", body["client_name"])
	require.Equal(t, "tasks:read", body["scope"])
	require.Equal(t, "abc", body["state"])
}

func TestAuthorizeGetRejectsUnregisteredRedirect(t *testing.T) {
	f := newRouterFixture(t, nil)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {f.publicClient.ID},
		"redirect_uri":  {"https://evil.test/callback"},
	}
	resp, err := f.client.Get(f.server.URL + "/v1/oauth2/authorize?" + q.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Must not redirect to the unregistered URI.
	require.Empty(t, resp.Header.Get("Location"))
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "invalid_request", body.Error)
}

func TestAuthorizeCodeTokenFlow(t *testing.T) {
	f := newRouterFixture(t, nil)
	code := f.obtainCode(t)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	tokens := decodeBody[authsdk.TokenResponse](t, resp)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.NotEmpty(t, tokens.IDToken)
	require.Equal(t, "Bearer", tokens.TokenType)
	require.Positive(t, tokens.ExpiresIn)

	// The code is single use.
	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "invalid_grant", body.Error)
}

func TestAuthorizeHybridFlow(t *testing.T) {
	f := newRouterFixture(t, nil)

	form := f.authorizeForm()
	form.Set("response_type", "code id_token token")
	form.Set("consent", "granted")

	resp := f.postForm(t, "/v1/oauth2/authorize", form)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.test", loc.Host)

	// Hybrid responses carry everything in the fragment, nothing in the
	// query string.
	require.Empty(t, loc.Query().Get("code"))
	frag, err := url.ParseQuery(loc.EscapedFragment())
	require.NoError(t, err)

	require.Equal(t, "xyzzy", frag.Get("state"))
	require.NotEmpty(t, frag.Get("id_token"))
	require.NotEmpty(t, frag.Get("access_token"))
	require.Equal(t, "Bearer", frag.Get("token_type"))
	require.NotEmpty(t, frag.Get("expires_in"))

	// The code from the fragment is still redeemable at the token
	// endpoint.
	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {frag.Get("code")},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.IDToken)
}

func TestAuthorizeHybridWithoutNonceRejected(t *testing.T) {
	f := newRouterFixture(t, nil)

	form := f.authorizeForm()
	form.Set("response_type", "code id_token")
	form.Set("consent", "granted")
	form.Del("nonce")

	resp := f.postForm(t, "/v1/oauth2/authorize", form)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "invalid_request", body.Error)
}

func TestAuthorizeUnsupportedResponseType(t *testing.T) {
	f := newRouterFixture(t, nil)

	form := f.authorizeForm()
	form.Set("response_type", "token")

	resp := f.postForm(t, "/v1/oauth2/authorize", form)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "unsupported_response_type", body.Error)
}

func TestRefreshGrantRotatesToken(t *testing.T) {
	f := newRouterFixture(t, nil)
	code := f.obtainCode(t)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[authsdk.TokenResponse](t, resp)

	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"client_id":     {f.publicClient.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[authsdk.TokenResponse](t, resp)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated token is rejected.
	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"client_id":     {f.publicClient.ID},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "invalid_grant", body.Error)
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {f.m2mSecret},
		"scope":         {"tasks:read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)
	require.NotEmpty(t, tokens.AccessToken)
	require.Empty(t, tokens.RefreshToken)

	// Wrong secret is invalid_client.
	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {"not-the-secret"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "invalid_client", body.Error)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {f.publicClient.ID},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[authsdk.ErrorResponse](t, resp)
	require.Equal(t, "unsupported_grant_type", body.Error)
}

func TestIntrospectEndpoint(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {f.m2mSecret},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)

	resp = f.postForm(t, "/v1/oauth2/introspect", url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {f.m2mSecret},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intro := decodeBody[authsdk.IntrospectionResponse](t, resp)
	require.True(t, intro.Active)
	require.Equal(t, f.m2mClient.ID, intro.ClientID)

	// Unknown tokens collapse to active=false, not an error.
	resp = f.postForm(t, "/v1/oauth2/introspect", url.Values{
		"token":         {"not-a-token"},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {f.m2mSecret},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intro = decodeBody[authsdk.IntrospectionResponse](t, resp)
	require.False(t, intro.Active)

	// Bad caller credentials are rejected before any token lookup.
	resp = f.postForm(t, "/v1/oauth2/introspect", url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {f.m2mClient.ID},
		"client_secret": {"wrong"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRevokeEndpointIsIdempotent(t *testing.T) {
	f := newRouterFixture(t, nil)
	code := f.obtainCode(t)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)

	for range 2 {
		resp = f.postForm(t, "/v1/oauth2/revoke", url.Values{
			"token":           {tokens.RefreshToken},
			"token_type_hint": {"refresh_token"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// The revoked refresh token no longer works.
	resp = f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {f.publicClient.ID},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUserinfoEndpoint(t *testing.T) {
	f := newRouterFixture(t, nil)
	code := f.obtainCode(t)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody[authsdk.UserinfoResponse](t, resp)
	require.Equal(t, f.user.ID, info.Sub)
	require.Equal(t, "Alice", info.Name)
	require.Equal(t, "en-AU", info.Locale)

	// No token: 401 with a bearer challenge.
	resp, err = f.client.Get(f.server.URL + "/v1/userinfo")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUserinfoWithReferenceToken(t *testing.T) {
	f := newRouterFixture(t, func(c *domain.Client) { c.AccessTokenType = domain.AccessTokenTypeReference })
	code := f.obtainCode(t)

	resp := f.postForm(t, "/v1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"client_id":     {f.publicClient.ID},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody[authsdk.TokenResponse](t, resp)

	// Opaque handle, not a JWT.
	require.NotContains(t, tokens.AccessToken, ".")

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody[authsdk.UserinfoResponse](t, resp)
	require.Equal(t, f.user.ID, info.Sub)
	require.Equal(t, "Alice", info.Name)
}

func TestDiscoveryDocument(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp, err := f.client.Get(f.server.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc := decodeBody[authsdk.DiscoveryDocument](t, resp)
	require.Equal(t, testIssuer, doc.Issuer)
	require.Equal(t, testIssuer+"/v1/oauth2/token", doc.TokenEndpoint)
	require.Contains(t, doc.GrantTypesSupported, "refresh_token")
	require.Contains(t, doc.ResponseTypesSupported, "code id_token")
	require.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
}

func TestJWKSEndpoint(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp, err := f.client.Get(f.server.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	jwks := decodeBody[authsdk.JWKSResponse](t, resp)
	require.Len(t, jwks.Keys, 1)
	require.NotEmpty(t, jwks.Keys[0].Kid)
}

func TestHealthEndpoints(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp, err := f.client.Get(f.server.URL + "/livez")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	live := decodeBody[authsdk.HealthResponse](t, resp)
	require.Equal(t, "ok", live.Status)

	resp, err = f.client.Get(f.server.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decodeBody[authsdk.HealthResponse](t, resp)
	require.Equal(t, "ok", ready.Status)
	require.Equal(t, "ok", ready.Checks.Database)
	require.Equal(t, "ok", ready.Checks.Signer)
}
