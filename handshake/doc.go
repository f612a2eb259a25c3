// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the agent side of connection
// authentication: the per-connection state machine that turns a hello
// into either a pairing request or a signed-nonce challenge, and the
// gate that decides which messages an unauthenticated connection may
// send.
//
// A [Gate] owns the state of exactly one connection and performs no
// I/O of its own: each method takes a decoded message and returns the
// reply to send. The agent drives it from the connection's single
// dispatch goroutine, so the Gate is not safe for concurrent use.
//
// Connection lifecycle:
//
//	AwaitingHello
//	  ── hello (unpaired key) ──▶ auth_required ── pair_request ──▶ approval
//	  │                                              ├─ approved ─▶ pair_ok, Authenticated
//	  │                                              └─ denied ───▶ pair_denied
//	  └─ hello (paired key) ───▶ auth_challenge ── auth_response
//	                                                 ├─ valid, in time ─▶ auth_ok, Authenticated
//	                                                 ├─ late ───────────▶ auth_fail nonce_expired
//	                                                 └─ bad signature ──▶ auth_fail bad_signature
//
// A nonce is single-use: any auth_response consumes it whatever the
// outcome, and a new hello discards an outstanding nonce before
// issuing another. Pairing authenticates only the connection that
// paired; later connections from the same key must answer a challenge.
package handshake
