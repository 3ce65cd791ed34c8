package jwtx

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// RS256Signer signs tokens with an RSA private key using RSASSA-PKCS1-v1_5
// and SHA-256. Kept for clients that cannot verify EdDSA.
type RS256Signer struct {
	kid  string
	priv *rsa.PrivateKey
}

// NewRS256Signer wraps an RSA private key as a Signer. Keys shorter than
// 2048 bits are rejected.
func NewRS256Signer(priv *rsa.PrivateKey) (*RS256Signer, error) {
	if priv == nil {
		return nil, errors.New("jwtx: nil RSA private key")
	}
	if priv.N.BitLen() < 2048 {
		return nil, errors.New("jwtx: RSA key too small, need at least 2048 bits")
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(sum[:8])

	return &RS256Signer{
		kid:  kid,
		priv: priv,
	}, nil
}

func (s *RS256Signer) Alg() string { return "RS256" }
func (s *RS256Signer) KID() string { return s.kid }

func (s *RS256Signer) Sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.priv)
}

func (s *RS256Signer) PublicJWK() JWK {
	return NewRSAJWK(s.kid, "sig", "RS256", &s.priv.PublicKey)
}
