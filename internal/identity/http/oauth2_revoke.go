package http

import (
	"net/http"
	"strings"

	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/httpx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

// RevokeHandler serves POST /v1/oauth2/revoke following RFC 7009. It
// revokes refresh tokens and reference access tokens; JWT access tokens
// expire naturally. All tokens, even invalid or unknown ones, return
// 200 OK to prevent token scanning.
type RevokeHandler struct {
	TokenService      *service.TokenService
	ValidationService *service.ValidationService
}

// ServeHTTP godoc
//
//	@Summary		OAuth2 Token Revocation Endpoint
//	@Description	Revokes a previously issued token (RFC 7009).
//	@Description	Only the presented handle is revoked; replaying a revoked refresh token at the token endpoint is what kills the whole session.
//	@Description	The endpoint is idempotent and returns 200 OK even for invalid/unknown tokens.
//	@Tags			OAuth2
//	@Accept			application/x-www-form-urlencoded
//	@Produce		json
//	@Param			token			formData	string	true	"The token to revoke"
//	@Param			token_type_hint	formData	string	false	"Hint about token type"	Enums(access_token, refresh_token)
//	@Success		200				"Token revoked successfully (or was already invalid)"
//	@Failure		400				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Header			200				{string}	Cache-Control			"no-store"
//	@Header			200				{string}	Pragma					"no-cache"
//	@Router			/v1/oauth2/revoke [post].
func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	token := r.Form.Get("token")
	tokenTypeHint := r.Form.Get("token_type_hint")

	if token == "" {
		authsdk.ErrInvalidRequest.WriteError(w)
		return
	}

	// Per RFC 7009, respond 200 OK whether or not the token existed.
	if err := h.TokenService.RevokeToken(ctx, token, tokenTypeHint); err != nil {
		log.Warn("revoke failed", "err", err)
	}
	if h.ValidationService != nil {
		h.ValidationService.InvalidateReference(token)
	}

	httpx.NoCache(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}
