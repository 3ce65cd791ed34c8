package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/pkg/authsdk"
)

// TestLivezEndpoint verifies the liveness check endpoint.
func TestLivezEndpoint(t *testing.T) {
	baseURL, cleanup := setupIdentityContainer(t)
	defer cleanup()

	client := authsdk.NewSDKClient(baseURL)

	health, err := client.GetLiveness(t.Context())
	assertHealthy(t, health, err)
}

// TestReadyzEndpoint verifies the readiness check endpoint reports the
// database and signer as healthy.
func TestReadyzEndpoint(t *testing.T) {
	baseURL, cleanup := setupIdentityContainer(t)
	defer cleanup()

	client := authsdk.NewSDKClient(baseURL)

	health, err := client.GetReadiness(t.Context())
	assertHealthy(t, health, err)
	require.NotNil(t, health.Checks)
	require.Equal(t, "ok", health.Checks.Database)
	require.Equal(t, "ok", health.Checks.Signer)
}

// TestJWKSEndpoint verifies signing keys are published.
func TestJWKSEndpoint(t *testing.T) {
	baseURL, cleanup := setupIdentityContainer(t)
	defer cleanup()

	client := authsdk.NewSDKClient(baseURL)

	jwks, err := client.GetJWKS(t.Context())
	require.NoError(t, err)
	require.NotNil(t, jwks)
	require.NotEmpty(t, jwks.Keys, "JWKS should contain at least one key")

	for _, key := range jwks.Keys {
		require.NotEmpty(t, key.Kid)
		require.Equal(t, "sig", key.Use)
	}
}

// TestDiscoveryDrivenClient verifies the SDK can resolve every endpoint
// it needs from the discovery document alone.
func TestDiscoveryDrivenClient(t *testing.T) {
	baseURL, cleanup := setupIdentityContainer(t)
	defer cleanup()

	client, err := authsdk.NewFromDiscovery(t.Context(), baseURL)
	require.NoError(t, err)

	doc := client.Discovery()
	require.NotNil(t, doc)
	require.Equal(t, "tasklight-identity", doc.Issuer)
	require.NotEmpty(t, doc.AuthorizationEndpoint)
	require.NotEmpty(t, doc.TokenEndpoint)
	require.NotEmpty(t, doc.JWKSURI)

	// The discovered endpoints must actually work end to end.
	session := performLogin(t, client)
	token, err := session.GetValidAccessToken(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, token)
}
