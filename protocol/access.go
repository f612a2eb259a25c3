// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Pre-authentication services. These answer read-only queries so a
// controller can identify an agent before pairing with it.
const (
	ServiceCapabilities = "capabilities"
	ServiceInfo         = "info"
	ServicePing         = "ping"
)

var preAuthServices = map[string]bool{
	ServiceCapabilities: true,
	ServiceInfo:         true,
	ServicePing:         true,
}

// IsPreAuthService reports whether name may be opened on a connection
// that has not authenticated.
func IsPreAuthService(name string) bool {
	return preAuthServices[name]
}

// AllowedBeforeAuth reports whether an agent accepts msg from an
// unauthenticated connection: the handshake messages themselves, and
// open_service for the pre-authentication services. Traffic on streams
// that are already open is decided by the stream table, not here.
func AllowedBeforeAuth(msg Message) bool {
	switch m := msg.(type) {
	case *Hello, *AuthResponse, *PairRequest:
		return true
	case *OpenService:
		return IsPreAuthService(m.Service)
	default:
		return false
	}
}
