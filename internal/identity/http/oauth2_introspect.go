package http

import (
	"net/http"
	"strings"

	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/httpx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

// IntrospectHandler serves POST /v1/oauth2/introspect per RFC 7662.
// Resource servers authenticate with their own client credentials; an
// unauthenticated caller gets 401 rather than an active flag, so the
// endpoint cannot be used to probe tokens anonymously.
type IntrospectHandler struct {
	TokenService      *service.TokenService
	ValidationService *service.ValidationService
}

// ServeHTTP godoc
//
//	@Summary		OAuth2 Token Introspection Endpoint
//	@Description	Reports whether a token is active and its metadata (RFC 7662).
//	@Description	Requires client authentication via client_id and client_secret form fields.
//	@Description	Expired, revoked and unknown tokens all return {"active": false}.
//	@Tags			OAuth2
//	@Accept			application/x-www-form-urlencoded
//	@Produce		json
//	@Param			token			formData	string	true	"The token to introspect"
//	@Param			token_type_hint	formData	string	false	"Hint about token type"	Enums(access_token, refresh_token)
//	@Param			client_id		formData	string	true	"Client identifier"
//	@Param			client_secret	formData	string	true	"Client secret"
//	@Success		200				{object}	service.Introspection	"active plus token metadata"
//	@Failure		400				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		401				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Header			200				{string}	Cache-Control			"no-store"
//	@Header			200				{string}	Pragma					"no-cache"
//	@Router			/v1/oauth2/introspect [post].
func (h *IntrospectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		authsdk.ErrInvalidContentType.WriteError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidFormBody.WriteError(w)
		return
	}

	clientID := strings.TrimSpace(r.Form.Get("client_id"))
	clientSecret := r.Form.Get("client_secret")
	token := r.Form.Get("token")
	tokenTypeHint := r.Form.Get("token_type_hint")

	if clientID == "" || token == "" {
		authsdk.ErrInvalidRequest.WriteError(w)
		return
	}

	if _, err := h.TokenService.AuthenticateClient(ctx, clientID, clientSecret); err != nil {
		log.Info("introspection client authentication failed", "client_id", clientID)
		authsdk.ErrInvalidClient.WriteError(w)
		return
	}

	result := h.ValidationService.Introspect(ctx, token, tokenTypeHint)

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, result)
}
