package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// WriteJSON renders v with the given status code. Every JSON surface on
// an identity service can carry token material or subject data, so the
// no-store headers are applied unconditionally rather than per endpoint.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// NoCache marks a response uncacheable per RFC 6749 section 5.1.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// ParseSpaceDelimitedFields splits OAuth2 space-delimited request values
// (scope, response_type) into their parts, nil when the input is empty
// or whitespace.
func ParseSpaceDelimitedFields(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
