package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/pkg/httpx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

// authnAccessToken authenticates a bearer token of either format via the
// validation service, so clients configured with reference tokens reach
// userinfo just like JWT clients. The subject and scopes land in the
// request context under the httpx keys the scope middleware reads.
func authnAccessToken(v *service.ValidationService) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeBearerChallenge(w, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))

			info, err := v.ValidateAccessToken(ctx, raw)
			if err != nil {
				writeBearerChallenge(w, "token validation failed")
				log.Warn("access token validation failed", "err", err)
				return
			}

			ctx = context.WithValue(ctx, httpx.CtxKeyUserID, info.Subject)
			ctx = context.WithValue(ctx, httpx.CtxKeyScopes, info.Scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RFC 6750-compliant challenge, matching the httpx bearer middleware.
func writeBearerChallenge(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
