package claims_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/domain"
)

func TestBuild(t *testing.T) {
	p := &claims.Pipeline{DefaultLocale: "en-AU"}

	user := &domain.User{
		ID:            "user-1",
		Username:      "alice",
		PreferredName: "Alice",
		PasswordHash:  "$argon2id$...",
	}
	role := &domain.Role{Name: "admin"}

	set := p.Build(user, role, []string{"pwd", "otp"})

	require.Equal(t, "user-1", claims.First(set, claims.TypeSubject))
	require.Equal(t, "Alice", claims.First(set, claims.TypeName))
	require.Equal(t, "en-AU", claims.First(set, claims.TypeLocale))
	require.Equal(t, []string{"admin"}, claims.Values(set, claims.TypeRole))
	require.Equal(t, []string{"pwd", "otp"}, claims.Values(set, claims.TypeAMR))
	require.NotEmpty(t, claims.First(set, claims.TypeSecurityStamp))
}

func TestBuildUserLocaleWins(t *testing.T) {
	p := &claims.Pipeline{DefaultLocale: "en-AU"}
	user := &domain.User{ID: "user-1", Locale: "fr-FR"}

	set := p.Build(user, nil, nil)
	require.Equal(t, "fr-FR", claims.First(set, claims.TypeLocale))
}

func TestBuildIdempotent(t *testing.T) {
	p := &claims.Pipeline{DefaultLocale: "en-AU"}
	user := &domain.User{ID: "user-1", PreferredName: "Alice", PasswordHash: "h"}
	role := &domain.Role{Name: "member"}

	first := p.Build(user, role, []string{"pwd"})
	second := claims.Dedupe(first)
	require.Equal(t, first, second)
}

func TestDedupeKeepsFirstSingleValued(t *testing.T) {
	in := claim("name", "Alice")
	in = append(in, claim("name", "Bob")...)
	in = append(in, claim("locale", "en-AU")...)

	out := claims.Dedupe(in)
	require.Equal(t, []string{"Alice"}, claims.Values(out, "name"))
	require.Equal(t, []string{"en-AU"}, claims.Values(out, "locale"))
}

func TestDedupeMultiValuedExemption(t *testing.T) {
	in := []claims.Claim{
		{Type: claims.TypeRole, Value: "admin"},
		{Type: claims.TypeRole, Value: "auditor"},
		{Type: claims.TypeRole, Value: "admin"}, // exact duplicate dropped
		{Type: claims.TypeAMR, Value: "pwd"},
		{Type: claims.TypeAMR, Value: "otp"},
	}

	out := claims.Dedupe(in)
	require.Equal(t, []string{"admin", "auditor"}, claims.Values(out, claims.TypeRole))
	require.Equal(t, []string{"pwd", "otp"}, claims.Values(out, claims.TypeAMR))
}

func TestSecurityStampChangesWithPassword(t *testing.T) {
	a := claims.SecurityStamp("hash-1")
	b := claims.SecurityStamp("hash-2")
	require.NotEqual(t, a, b)
	require.Equal(t, a, claims.SecurityStamp("hash-1"))
}

func claim(typ, value string) []claims.Claim {
	return []claims.Claim{{Type: typ, Value: value}}
}
