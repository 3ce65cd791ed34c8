package jwtx_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/pkg/jwtx"
)

const (
	testIssuer   = "https://identity.example.com"
	testAudience = "tasklight-api"
)

func newManager(t *testing.T, alg string) *jwtx.KeyManager {
	t.Helper()

	km, err := jwtx.NewKeyManager(jwtx.KeyManagerOptions{
		Algorithm: alg,
		NumKeys:   2,
	})
	require.NoError(t, err)

	return km
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"EdDSA", "RS256"} {
		t.Run(alg, func(t *testing.T) {
			km := newManager(t, alg)
			verifier := jwtx.NewKeySetVerifier(km.KeySet(), testIssuer, testAudience)

			claims := jwtx.NewAccessClaims(
				"user-1", "sess-1", "client-1",
				[]string{"openid", "tasks:read"},
				[]string{jwtx.AMRPassword},
				time.Minute,
				testIssuer,
				[]string{testAudience},
				time.Now(),
			)

			token, err := km.GetSigner().Sign(claims)
			require.NoError(t, err)

			got, err := verifier.Verify(token)
			require.NoError(t, err)
			require.Equal(t, "user-1", got.Subject)
			require.Equal(t, "sess-1", got.SID)
			require.Equal(t, "client-1", got.ClientID)
			require.True(t, got.HasScope("tasks:read"))
			require.False(t, got.HasScope("tasks:write"))
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	km := newManager(t, "EdDSA")
	verifier := jwtx.NewKeySetVerifier(km.KeySet(), testIssuer, testAudience)

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1", "client-1",
		nil, nil,
		time.Minute,
		testIssuer,
		[]string{testAudience},
		time.Now().Add(-2*time.Minute),
	)

	token, err := km.GetSigner().Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, jwtx.ErrExpired)
}

func TestVerifyAudienceMismatch(t *testing.T) {
	km := newManager(t, "EdDSA")
	verifier := jwtx.NewKeySetVerifier(km.KeySet(), testIssuer, testAudience)

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1", "client-1",
		nil, nil,
		time.Minute,
		testIssuer,
		[]string{"some-other-api"},
		time.Now(),
	)

	token, err := km.GetSigner().Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, jwtx.ErrAudience)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	km := newManager(t, "EdDSA")
	verifier := jwtx.NewKeySetVerifier(km.KeySet(), testIssuer, testAudience)

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1", "client-1",
		nil, nil,
		time.Minute,
		"https://evil.example.com",
		[]string{testAudience},
		time.Now(),
	)

	token, err := km.GetSigner().Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, jwtx.ErrIssuer)
}

func TestVerifyUnknownKID(t *testing.T) {
	km := newManager(t, "EdDSA")
	other := newManager(t, "EdDSA")

	// Verifier only trusts "other"'s keys; tokens from km must fail.
	verifier := jwtx.NewKeySetVerifier(other.KeySet(), testIssuer, testAudience)

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1", "client-1",
		nil, nil,
		time.Minute,
		testIssuer,
		[]string{testAudience},
		time.Now(),
	)

	token, err := km.GetSigner().Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestVerifyMalformed(t *testing.T) {
	km := newManager(t, "EdDSA")
	verifier := jwtx.NewKeySetVerifier(km.KeySet(), testIssuer, testAudience)

	_, err := verifier.Verify("not.a.jwt")
	require.ErrorIs(t, err, jwtx.ErrMalformed)
}

func TestKeySetResetFromJWKS(t *testing.T) {
	km := newManager(t, "RS256")

	// Simulate a remote verifier bootstrapping from the published JWKS.
	remote := jwtx.NewKeySet()
	require.False(t, remote.IsReady())
	require.NoError(t, remote.ResetFromJWKS(km.KeySet().PublicJWKS()))
	require.True(t, remote.IsReady())

	verifier := jwtx.NewKeySetVerifier(remote, testIssuer, testAudience)

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1", "client-1",
		[]string{"openid"}, nil,
		time.Minute,
		testIssuer,
		[]string{testAudience},
		time.Now(),
	)

	token, err := km.GetSigner().Sign(claims)
	require.NoError(t, err)

	got, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
}
