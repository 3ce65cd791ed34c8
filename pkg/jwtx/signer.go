package jwtx

// Signer signs claims into compact JWTs with a stable kid so verifiers can
// look up the matching public key from the published JWKS.
type Signer interface {
	// Alg returns the JWA algorithm name, e.g. "EdDSA" or "RS256".
	Alg() string

	// KID returns the key ID embedded in the token header.
	KID() string

	// Sign produces a signed compact JWT from the given claims.
	Sign(claims Claims) (string, error)

	// PublicJWK returns the public half of the signing key for JWKS
	// publication.
	PublicJWK() JWK
}
