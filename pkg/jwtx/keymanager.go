package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
)

// KeyManagerOptions configures key generation for a KeyManager.
type KeyManagerOptions struct {
	// Algorithm is "EdDSA" (default) or "RS256".
	Algorithm string

	// RSABits is the RSA modulus size when Algorithm is "RS256".
	// Defaults to 2048.
	RSABits int

	// NumKeys is how many signing keys to generate. More than one lets
	// verifiers exercise kid-based lookup and smooths future rotation.
	// Defaults to 1.
	NumKeys int
}

// KeyManager owns the service's signing keys. Keys are generated fresh at
// startup and live only in memory; restarting the service invalidates all
// outstanding JWTs, which is the intended trade-off for this deployment.
type KeyManager struct {
	signers []Signer
	keys    *KeySet
}

// NewKeyManager generates signing keys per the options and loads their
// public halves into a KeySet.
func NewKeyManager(opts KeyManagerOptions) (*KeyManager, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = "EdDSA"
	}
	if opts.NumKeys <= 0 {
		opts.NumKeys = 1
	}
	if opts.RSABits == 0 {
		opts.RSABits = 2048
	}

	km := &KeyManager{
		keys: NewKeySet(),
	}

	for i := 0; i < opts.NumKeys; i++ {
		s, err := generateSigner(opts)
		if err != nil {
			return nil, fmt.Errorf("generate signer: %w", err)
		}
		if err := km.keys.AddSigner(s); err != nil {
			return nil, fmt.Errorf("register signer: %w", err)
		}
		km.signers = append(km.signers, s)
	}

	return km, nil
}

// GetSigner returns one of the managed signers. With multiple keys the
// choice is random so issued tokens spread across kids.
func (km *KeyManager) GetSigner() Signer {
	if len(km.signers) == 1 {
		return km.signers[0]
	}
	return km.signers[mathrand.IntN(len(km.signers))]
}

// KeySet returns the public key set for JWKS serving and verification.
func (km *KeyManager) KeySet() *KeySet {
	return km.keys
}

func generateSigner(opts KeyManagerOptions) (Signer, error) {
	switch opts.Algorithm {
	case "EdDSA":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return NewEdDSASigner(priv)

	case "RS256":
		priv, err := rsa.GenerateKey(rand.Reader, opts.RSABits)
		if err != nil {
			return nil, err
		}
		return NewRS256Signer(priv)

	default:
		return nil, errors.New("jwtx: unsupported algorithm " + opts.Algorithm)
	}
}
