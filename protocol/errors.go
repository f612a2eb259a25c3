// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// Machine-readable error codes carried by error, service_error, and
// auth_fail messages.
const (
	// Frame codec.
	CodeFrameTooLarge      = "frame_too_large"
	CodeInvalidJSON        = "invalid_json"
	CodeUnknownMessageType = "unknown_message_type"

	// Handshake.
	CodeHelloRequired              = "hello_required"
	CodeAuthRequired               = "auth_required"
	CodeBadSignature               = "bad_signature"
	CodeNonceExpired               = "nonce_expired"
	CodePairDenied                 = "pair_denied"
	CodeInvalidPublicKey           = "invalid_public_key"
	CodeUnsupportedProtocolVersion = "unsupported_protocol_version"
	CodeUnexpectedMessage          = "unexpected_message"
	CodeInvalidRequest             = "invalid_request"

	// File transfer.
	CodeInvalidRemotePath      = "invalid_remote_path"
	CodeNotFound               = "not_found"
	CodeIOError                = "io_error"
	CodeTransferInProgress     = "transfer_in_progress"
	CodeNoTransfer             = "no_transfer"
	CodeSizeMismatch           = "size_mismatch"
	CodeDigestMismatch         = "digest_mismatch"
	CodeUnsupportedCompression = "unsupported_compression"

	// Services and streams.
	CodeUnknownService = "unknown_service"
	CodeStreamIDInUse  = "stream_id_in_use"
	CodeExecFailed     = "exec_failed"
	CodeStreamClosed   = "stream_closed"
	CodeStreamOverflow = "stream_overflow"

	CodeInternal = "internal"
)

// Error is the generic protocol error message. It doubles as a Go
// error so handlers can return one directly and have it sent verbatim.
//
// The frame decoder also produces *Error values for frames it could not
// decode; those never crossed the wire and report Synthetic() == true.
type Error struct {
	Call
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`

	synthetic bool
}

// NewError returns an error message with the given code.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Synthetic reports whether the decoder generated this error locally.
func (e *Error) Synthetic() bool { return e.synthetic }

// IsFatal reports whether a decode error leaves the byte stream
// unusable. Only frame_too_large is fatal: once a length header is
// rejected the decoder can no longer find frame boundaries.
func IsFatal(msg Message) bool {
	e, ok := msg.(*Error)
	return ok && e.synthetic && e.Code == CodeFrameTooLarge
}

func decodeError(code, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.synthetic = true
	return e
}
