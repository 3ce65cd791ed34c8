package authsdk

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// doAuthRequest performs a bearer-authenticated request using the
// session's access token, renewing it first if needed. When
// requiredScope is non-empty the session's granted scopes are checked
// locally before the request is sent.
func (s *Session) doAuthRequest(
	ctx context.Context,
	method, path string,
	body io.Reader,
	headers map[string]string,
	requiredScope string,
) (*http.Response, error) {
	if requiredScope != "" && !s.HasScope(requiredScope) {
		return nil, fmt.Errorf("missing required scope: %s", requiredScope)
	}

	token, err := s.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	if headers == nil {
		headers = map[string]string{}
	}
	headers["Authorization"] = "Bearer " + token

	return s.client.doRequest(ctx, method, path, body, headers)
}

// GetUserInfo retrieves the OIDC claims for the authenticated user.
// Requires the openid scope.
func (s *Session) GetUserInfo(ctx context.Context) (*UserinfoResponse, error) {
	resp, err := s.doAuthRequest(ctx, http.MethodGet, s.client.userinfoEndpoint(), nil, nil, "openid")
	if err != nil {
		return nil, err
	}

	var userInfo UserinfoResponse
	if err := decodeJSON(resp, &userInfo, http.StatusOK); err != nil {
		return nil, err
	}

	return &userInfo, nil
}
