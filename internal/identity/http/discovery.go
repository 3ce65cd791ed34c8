package http

import (
	"net/http"
	"strings"

	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/httpx"
)

// DiscoveryHandler serves the OIDC provider metadata document. Endpoint
// URLs are derived from the configured issuer so relying parties can
// bootstrap from the issuer URL alone. When the issuer is a bare name
// rather than a URL the endpoints are emitted as paths, which the SDK
// resolves against its base URL.
//
//	@Summary		OpenID Connect Discovery
//	@Description	Returns the provider metadata document (issuer, endpoints, supported algorithms).
//	@Tags			well-known
//	@Produce		json
//	@Success		200	{object}	authsdk.DiscoveryDocument	"Provider metadata"
//	@Router			/.well-known/openid-configuration [get].
func DiscoveryHandler(issuer string) http.HandlerFunc {
	base := ""
	if strings.HasPrefix(issuer, "http://") || strings.HasPrefix(issuer, "https://") {
		base = strings.TrimSuffix(issuer, "/")
	}

	doc := authsdk.DiscoveryDocument{
		Issuer:                strings.TrimSuffix(issuer, "/"),
		AuthorizationEndpoint: base + "/v1/oauth2/authorize",
		TokenEndpoint:         base + "/v1/oauth2/token",
		UserinfoEndpoint:      base + "/v1/userinfo",
		JWKSURI:               base + "/.well-known/jwks.json",
		IntrospectionEndpoint: base + "/v1/oauth2/introspect",
		RevocationEndpoint:    base + "/v1/oauth2/revoke",
		ResponseTypesSupported: []string{
			"code",
			"code id_token",
			"code id_token token",
		},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
			"client_credentials",
		},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_post",
			"none",
		},
		IDTokenSigningAlgValuesSupported: []string{
			"EdDSA",
			"RS256",
		},
		CodeChallengeMethodsSupported: []string{
			"S256",
			"plain",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, doc)
	}
}
