// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// contentDomainKey separates transfer digests from any other BLAKE3
// use of the same bytes. ASCII, zero-padded to 32 bytes.
var contentDomainKey = [32]byte{
	'd', 'e', 'v', 'b', 'r', 'i', 'd', 'g', 'e', '.', 't', 'r', 'a', 'n', 's', 'f',
	'e', 'r', '.', 'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		// Only reachable with a key that is not 32 bytes.
		panic("transfer: blake3 keyed hasher: " + err.Error())
	}
	return hasher
}

func hexDigest(hasher *blake3.Hasher) string {
	return hex.EncodeToString(hasher.Sum(nil))
}

// Digest returns the hex content digest of data, as reported in
// push_end and pull_end.
func Digest(data []byte) string {
	hasher := newHasher()
	hasher.Write(data)
	return hexDigest(hasher)
}
