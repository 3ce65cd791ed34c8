package domain

import "time"

// Role is the per-user scope ceiling. Whatever a client requests, a
// token never carries a scope the subject's role does not grant, so
// swapping a user's role narrows every grant they redeem afterwards.
type Role struct {
	ID        string
	Name      string
	Scopes    []string // parsed from space-delimited storage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FilterScopes narrows the requested scopes to those the role grants,
// preserving request order. It never widens: an empty result means the
// request and the ceiling do not overlap at all.
func (r *Role) FilterScopes(requested []string) []string {
	allowed := make(map[string]struct{}, len(r.Scopes))
	for _, s := range r.Scopes {
		allowed[s] = struct{}{}
	}

	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
