package http

import (
	"net/http"

	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/pkg/authsdk"
	"github.com/tasklight/tasklight/pkg/httpx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

// UserinfoHandler serves GET /v1/userinfo. The response is built from the
// same claims pipeline that populates id tokens, so both surfaces agree.
type UserinfoHandler struct {
	Store  store.Store
	Claims *claims.Pipeline
}

// ServeHTTP godoc
//
//	@Summary		OIDC Userinfo Endpoint
//	@Description	Returns claims about the authenticated user. Requires the 'openid' scope.
//	@Tags			OAuth2
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.UserinfoResponse	"sub, name, locale"
//	@Failure		401	{object}	authsdk.ErrorResponse		"Invalid or missing access token"
//	@Failure		500	{object}	authsdk.ErrorResponse		"Internal server error"
//	@Router			/v1/userinfo [get].
func (h *UserinfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := ctx.Value(httpx.CtxKeyUserID).(string)
	if !ok || userID == "" {
		authsdk.ErrInvalidToken.WriteError(w)
		return
	}

	user, err := h.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		log.Warn("userinfo: failed to load user", "user_id", userID, "err", err)
		authsdk.ErrInvalidToken.WriteError(w)
		return
	}

	role, err := h.Store.Roles().GetRoleByID(ctx, user.RoleID)
	if err != nil {
		log.Warn("userinfo: failed to load role", "user_id", userID, "role_id", user.RoleID, "err", err)
		authsdk.ErrServerError.WriteError(w)
		return
	}

	set := h.Claims.Build(&user, &role, nil)

	response := authsdk.UserinfoResponse{
		Sub:    claims.First(set, claims.TypeSubject),
		Name:   claims.First(set, claims.TypeName),
		Locale: claims.First(set, claims.TypeLocale),
	}

	httpx.WriteJSON(w, http.StatusOK, response)
}
