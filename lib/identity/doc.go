// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages devbridge key material: the controller's
// Ed25519 keypair, its fingerprint, and signatures over agent nonces.
//
// A public key travels on the wire as standard base64 of its PKIX
// SubjectPublicKeyInfo DER encoding. The fingerprint is the first 16
// hex characters of the SHA-256 digest of that same DER encoding, so
// any implementation that can produce SPKI DER agrees on fingerprints.
//
// Identities persist in a directory as identity.cbor (mode 0600) plus
// identity.pub (mode 0644, the base64 public key for operators to
// inspect). When a passphrase is supplied the private seed is sealed
// with age before it touches disk; see package sealed.
package identity
