// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// FingerprintLength is the number of hex characters in a fingerprint.
const FingerprintLength = 16

// Identity is a named Ed25519 keypair.
type Identity struct {
	DisplayName string
	PublicKey   ed25519.PublicKey

	privateKey ed25519.PrivateKey
}

// Generate creates a new identity with a fresh keypair.
func Generate(displayName string) (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return &Identity{DisplayName: displayName, PublicKey: public, privateKey: private}, nil
}

// FromSeed reconstructs an identity from a 32-byte Ed25519 seed.
func FromSeed(displayName string, seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		DisplayName: displayName,
		PublicKey:   private.Public().(ed25519.PublicKey),
		privateKey:  private,
	}, nil
}

// Fingerprint returns the identity's fingerprint.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.PublicKey)
}

// EncodedPublicKey returns the wire form of the public key.
func (i *Identity) EncodedPublicKey() string {
	return EncodePublicKey(i.PublicKey)
}

// Sign signs nonce with the identity's private key.
func (i *Identity) Sign(nonce []byte) []byte {
	return ed25519.Sign(i.privateKey, nonce)
}

// SignChallenge decodes a base64 nonce from an auth_challenge and
// returns the base64 signature for the auth_response.
func (i *Identity) SignChallenge(encodedNonce string) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(encodedNonce)
	if err != nil {
		return "", fmt.Errorf("decoding challenge nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(i.Sign(nonce)), nil
}

func (i *Identity) seed() []byte {
	return i.privateKey.Seed()
}

// Verify reports whether signature is a valid signature of nonce by
// public.
func Verify(public ed25519.PublicKey, nonce, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, nonce, signature)
}

// VerifyChallenge checks a base64 signature over a base64 nonce.
func VerifyChallenge(public ed25519.PublicKey, encodedNonce, encodedSignature string) bool {
	nonce, err := base64.StdEncoding.DecodeString(encodedNonce)
	if err != nil {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(encodedSignature)
	if err != nil {
		return false
	}
	return Verify(public, nonce, signature)
}

// Fingerprint returns the first 16 hex characters of the SHA-256
// digest of public's SPKI DER encoding.
func Fingerprint(public ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		// Only reachable for a malformed key length; hash the raw bytes so
		// the caller still gets a stable, distinct value.
		der = []byte(public)
	}
	digest := sha256.Sum256(der)
	return hex.EncodeToString(digest[:])[:FingerprintLength]
}

// EncodePublicKey returns standard base64 of public's SPKI DER
// encoding.
func EncodePublicKey(public ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// ErrInvalidPublicKey is returned by DecodePublicKey for input that is
// not a base64 SPKI Ed25519 key.
var ErrInvalidPublicKey = errors.New("invalid public key")

// DecodePublicKey parses the wire form of a public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	public, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T is not Ed25519", ErrInvalidPublicKey, parsed)
	}
	return public, nil
}
