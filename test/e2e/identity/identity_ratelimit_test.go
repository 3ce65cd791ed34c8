package identity_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/pkg/authsdk"
)

// TestTokenEndpointRateLimited verifies the strict per-IP limit on the
// token endpoint kicks in under production defaults.
func TestTokenEndpointRateLimited(t *testing.T) {
	baseURL, cleanup := setupIdentityContainerWithDefaultRateLimits(t)
	defer cleanup()

	client := authsdk.NewSDKClient(baseURL)

	// The strict profile allows 5 requests per minute per IP; hammer the
	// endpoint until the limiter answers instead of the grant handler.
	limited := false
	for i := 0; i < 10; i++ {
		_, err := client.ClientCredentialsGrant(
			t.Context(), workerClientID, "wrong-secret", []string{"tasks:read"})
		require.Error(t, err)

		var oauthErr *authsdk.OAuth2Error
		if errors.As(err, &oauthErr) && oauthErr.Code == "rate_limit_exceeded" {
			limited = true
			break
		}
	}

	require.True(t, limited, "token endpoint should rate limit within 10 rapid requests")
}

// TestJWKSNotStrictlyLimited verifies the public profile leaves room for
// validators polling JWKS.
func TestJWKSNotStrictlyLimited(t *testing.T) {
	baseURL, cleanup := setupIdentityContainerWithDefaultRateLimits(t)
	defer cleanup()

	client := authsdk.NewSDKClient(baseURL)

	for i := 0; i < 20; i++ {
		jwks, err := client.GetJWKS(t.Context())
		require.NoError(t, err)
		require.NotEmpty(t, jwks.Keys)
	}
}
