// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/devbridge/protocol"
)

var (
	// ErrClosed is the teardown error for a connection closed locally
	// or by an orderly end of stream from the peer.
	ErrClosed = errors.New("session: connection closed")

	// ErrFrameTooLarge is the teardown error after the peer sent a frame
	// header outside the accepted range. Frame boundaries cannot be
	// recovered after that, so the connection is dropped.
	ErrFrameTooLarge = errors.New("session: frame too large, connection dropped")

	// ErrTimeout is returned when a call or wait does not complete
	// within its timeout.
	ErrTimeout = errors.New("session: timed out waiting for reply")

	// ErrWaiterBusy is returned by Next and Expect when another
	// goroutine is already waiting on the default queue.
	ErrWaiterBusy = errors.New("session: another default waiter is active")

	// ErrStreamIDInUse is returned by Accept for an identifier that
	// names a stream which is still open.
	ErrStreamIDInUse = errors.New("session: stream id in use")

	// ErrStreamClosed is returned when writing to a closed stream.
	ErrStreamClosed = errors.New("session: stream closed")

	// ErrUnexpectedMessage is wrapped by Expect when the next message
	// is not one of the requested types.
	ErrUnexpectedMessage = errors.New("session: unexpected message")
)

// RemoteError is a failure reported by the peer in an error or
// service_error message.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}

// AsRemoteError converts error-carrying messages into a *RemoteError
// and returns nil for anything else.
func AsRemoteError(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Error:
		return &RemoteError{Code: m.Code, Message: m.Message}
	case *protocol.ServiceError:
		return &RemoteError{Code: m.Code, Message: m.Message}
	}
	return nil
}
