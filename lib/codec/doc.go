// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides devbridge's CBOR configuration for on-disk
// state.
//
// devbridge uses two serialization formats with a clear boundary:
//
//   - JSON on the wire: every protocol frame (see package protocol),
//     because both ends of a bridge may be written in different
//     languages and JSON is the common denominator.
//   - CBOR for local state files: the controller identity file and the
//     agent's file-backed pairing store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical state always produces identical bytes and rewriting an
// unchanged store is a no-op diff.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// WriteFile and ReadFile add atomic replacement on top: the new content
// is written to a temporary file in the same directory, synced, and
// renamed over the target.
package codec
