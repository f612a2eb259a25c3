// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing stores the set of controller public keys an agent
// trusts. A controller is paired once (after approval) and from then
// on authenticates every connection by signing a nonce with the key
// recorded here.
//
// Three backends implement [Store]:
//
//   - MemoryStore: process lifetime only; tests and throwaway agents.
//   - FileStore: a single CBOR file rewritten atomically on each
//     change; the default for agents on small devices.
//   - SQLiteStore: a SQLite database via lib/sqlitepool, for agents
//     that share a pairing set across processes.
//
// All backends allow concurrent reads and serialize writes. The
// fingerprint is the key; storing a record for a fingerprint that is
// already present replaces it (re-pairing refreshes the display name
// and timestamp).
package pairing
