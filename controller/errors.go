// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"

	"github.com/bureau-foundation/devbridge/session"
)

var (
	// ErrNotPaired is returned by Authenticate and Connect when the
	// agent does not trust the controller's key.
	ErrNotPaired = errors.New("controller: agent has not paired this identity")

	// ErrPairDenied wraps the reason the agent refused a pair_request.
	ErrPairDenied = errors.New("controller: pairing denied")

	// ErrNotAuthenticated is returned by operations that need an
	// authenticated connection when the client has not completed the
	// handshake.
	ErrNotAuthenticated = errors.New("controller: connection is not authenticated")
)

// AuthError reports an auth_fail reply.
type AuthError struct {
	Reason  string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "controller: authentication failed: " + e.Reason
	}
	return "controller: authentication failed: " + e.Reason + ": " + e.Message
}

// RemoteError is the agent-reported failure type, re-exported so
// callers need not import session.
type RemoteError = session.RemoteError

// IsCode reports whether err carries the given agent error code.
func IsCode(err error, code string) bool { return session.IsCode(err, code) }
