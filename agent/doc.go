// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the device side of the bridge: it accepts
// connections, runs the authentication handshake on each, and serves
// one-shot calls, file transfers, and named stream services to
// authenticated controllers.
//
// Each connection is handled sequentially on its session's reader
// goroutine. Work that can take long (exec, pull streaming, stream
// services) runs on its own goroutine and reports back through the
// session, so a slow command never stalls unrelated traffic.
//
// Until a connection authenticates, only hello, auth_response,
// pair_request, and open_service for the pre-authentication services
// (capabilities, info, ping) are processed. Anything else is answered
// with an auth_required error carrying the request's call identifier.
package agent
