// Package claims assembles the identity claims attached to tokens and the
// userinfo response. Claims flow through a fixed pipeline: collect from the
// user record and role, deduplicate, then apply defaults. Running the
// pipeline twice over its own output yields the same set.
package claims

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

// Standard claim types this service emits.
const (
	TypeSubject       = "sub"
	TypeName          = "name"
	TypeLocale        = "locale"
	TypeRole          = "role"
	TypeAMR           = "amr"
	TypeSecurityStamp = "pwd_stamp"
)

// Claim is a single typed claim value.
type Claim struct {
	Type      string
	Value     string
	ValueType string // defaults to "string"
	Issuer    string // defaults to the local issuer
}

// multiValued claim types may legitimately appear more than once; the
// deduplication step leaves them alone.
var multiValued = map[string]struct{}{
	TypeRole: {},
	TypeAMR:  {},
	"aud":    {},
	"groups": {},
}

// Pipeline builds claim sets for users.
type Pipeline struct {
	// DefaultLocale fills the locale claim when the user record has
	// none. Empty disables the default.
	DefaultLocale string
}

// Build assembles the claim set for a user with the given role and
// authentication methods. The output is stable: building again from the
// same inputs produces the same claims in the same order.
func (p *Pipeline) Build(user *domain.User, role *domain.Role, amr []string) []Claim {
	var out []Claim

	out = append(out, Claim{Type: TypeSubject, Value: user.ID})

	if user.PreferredName != "" {
		out = append(out, Claim{Type: TypeName, Value: user.PreferredName})
	}

	locale := user.Locale
	if locale == "" {
		locale = p.DefaultLocale
	}
	if locale != "" {
		out = append(out, Claim{Type: TypeLocale, Value: locale})
	}

	if role != nil {
		out = append(out, Claim{Type: TypeRole, Value: role.Name})
	}

	for _, m := range amr {
		out = append(out, Claim{Type: TypeAMR, Value: m})
	}

	// A fingerprint of the password hash rides along so resource servers
	// can invalidate sessions after a password change without a store
	// round trip.
	if user.PasswordHash != "" {
		out = append(out, Claim{Type: TypeSecurityStamp, Value: SecurityStamp(user.PasswordHash)})
	}

	return Dedupe(out)
}

// Dedupe collapses duplicate claim types keeping the first occurrence.
// Multi-valued types (role, amr, aud, groups) are exempt: every distinct
// value survives, but exact duplicates are still dropped.
func Dedupe(in []Claim) []Claim {
	seenType := make(map[string]struct{}, len(in))
	seenPair := make(map[[2]string]struct{}, len(in))
	out := make([]Claim, 0, len(in))

	for _, c := range in {
		if _, multi := multiValued[c.Type]; multi {
			key := [2]string{c.Type, c.Value}
			if _, dup := seenPair[key]; dup {
				continue
			}
			seenPair[key] = struct{}{}
			out = append(out, c)
			continue
		}

		if _, dup := seenType[c.Type]; dup {
			continue
		}
		seenType[c.Type] = struct{}{}
		out = append(out, c)
	}

	return out
}

// Values returns every value of the given claim type, in order.
func Values(set []Claim, claimType string) []string {
	var vals []string
	for _, c := range set {
		if c.Type == claimType {
			vals = append(vals, c.Value)
		}
	}
	return vals
}

// First returns the first value of the given claim type, or "".
func First(set []Claim, claimType string) string {
	for _, c := range set {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// SecurityStamp derives a short stable fingerprint from a password hash.
// The hash itself never leaves the store.
func SecurityStamp(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
