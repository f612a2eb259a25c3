// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/bureau-foundation/devbridge/protocol"
)

var (
	// ErrInvalidRemotePath is wrapped by every *PathError.
	ErrInvalidRemotePath = errors.New("invalid remote path")

	// ErrNotFound is returned when the file to pull does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrSizeMismatch is returned when the bytes received differ from
	// the announced size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrDigestMismatch is returned when the content digest differs
	// from the sender's.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrUnsupportedCompression is returned for an unknown compression
	// name or a compressed chunk in an uncompressed transfer.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// PathError reports a remote path rejected by a Sandbox. No filesystem
// operation has been attempted for a path that produced a PathError.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid remote path %q: %s", e.Path, e.Reason)
}

func (e *PathError) Unwrap() error { return ErrInvalidRemotePath }

// Code maps a transfer error to the protocol error code reported to
// the peer.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRemotePath):
		return protocol.CodeInvalidRemotePath
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return protocol.CodeNotFound
	case errors.Is(err, ErrSizeMismatch):
		return protocol.CodeSizeMismatch
	case errors.Is(err, ErrDigestMismatch):
		return protocol.CodeDigestMismatch
	case errors.Is(err, ErrUnsupportedCompression):
		return protocol.CodeUnsupportedCompression
	default:
		return protocol.CodeIOError
	}
}
