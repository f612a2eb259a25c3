// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for the read and write
// loops of devbridge connections.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedCloseError reports whether err is an ordinary end of a
// connection rather than a fault worth logging: EOF, a closed
// connection or pipe, a broken pipe, a reset, or (for serial lines) a
// hangup surfacing as EIO once the device is unplugged.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET || errno == syscall.EIO
	}
	return false
}

// IsTimeout reports whether err is a deadline or timeout error.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
