// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// ProtocolVersion is the wire protocol version this implementation
// speaks. A hello that omits the version is treated as version 1.
const ProtocolVersion = 1

// Type identifies a message variant on the wire.
type Type string

// Handshake and identity.
const (
	TypeHello         Type = "hello"
	TypeAuthRequired  Type = "auth_required"
	TypeAuthChallenge Type = "auth_challenge"
	TypeAuthResponse  Type = "auth_response"
	TypeAuthOK        Type = "auth_ok"
	TypeAuthFail      Type = "auth_fail"
	TypePairRequest   Type = "pair_request"
	TypePairOK        Type = "pair_ok"
	TypePairDenied    Type = "pair_denied"
	TypeUnpairRequest Type = "unpair_request"
	TypeUnpairOK      Type = "unpair_ok"
)

// One-shot calls.
const (
	TypeExec             Type = "exec"
	TypeExecResult       Type = "exec_result"
	TypeStatus           Type = "status"
	TypeStatusResult     Type = "status_result"
	TypeListPaired       Type = "list_paired"
	TypeListPairedResult Type = "list_paired_result"
)

// File transfer.
const (
	TypePushBegin   Type = "push_begin"
	TypePushChunk   Type = "push_chunk"
	TypePushEnd     Type = "push_end"
	TypePushAbort   Type = "push_abort"
	TypePullBegin   Type = "pull_begin"
	TypePullChunk   Type = "pull_chunk"
	TypePullEnd     Type = "pull_end"
	TypeTransferAck Type = "transfer_ack"
)

// Streams.
const (
	TypeOpenService  Type = "open_service"
	TypeStreamData   Type = "stream_data"
	TypeStreamClose  Type = "stream_close"
	TypeStreamResize Type = "stream_resize"
	TypeServiceError Type = "service_error"
)

// TypeError is the generic protocol error variant.
const TypeError Type = "error"

// Types lists every variant in the closed set.
var Types = []Type{
	TypeHello, TypeAuthRequired, TypeAuthChallenge, TypeAuthResponse,
	TypeAuthOK, TypeAuthFail, TypePairRequest, TypePairOK, TypePairDenied,
	TypeUnpairRequest, TypeUnpairOK,
	TypeExec, TypeExecResult, TypeStatus, TypeStatusResult,
	TypeListPaired, TypeListPairedResult,
	TypePushBegin, TypePushChunk, TypePushEnd, TypePushAbort,
	TypePullBegin, TypePullChunk, TypePullEnd, TypeTransferAck,
	TypeOpenService, TypeStreamData, TypeStreamClose, TypeStreamResize,
	TypeServiceError, TypeError,
}

// New returns a zero-valued message of the given type, or nil if the
// type is not part of the protocol.
func New(t Type) Message {
	switch t {
	case TypeHello:
		return &Hello{}
	case TypeAuthRequired:
		return &AuthRequired{}
	case TypeAuthChallenge:
		return &AuthChallenge{}
	case TypeAuthResponse:
		return &AuthResponse{}
	case TypeAuthOK:
		return &AuthOK{}
	case TypeAuthFail:
		return &AuthFail{}
	case TypePairRequest:
		return &PairRequest{}
	case TypePairOK:
		return &PairOK{}
	case TypePairDenied:
		return &PairDenied{}
	case TypeUnpairRequest:
		return &UnpairRequest{}
	case TypeUnpairOK:
		return &UnpairOK{}
	case TypeExec:
		return &Exec{}
	case TypeExecResult:
		return &ExecResult{}
	case TypeStatus:
		return &Status{}
	case TypeStatusResult:
		return &StatusResult{}
	case TypeListPaired:
		return &ListPaired{}
	case TypeListPairedResult:
		return &ListPairedResult{}
	case TypePushBegin:
		return &PushBegin{}
	case TypePushChunk:
		return &PushChunk{}
	case TypePushEnd:
		return &PushEnd{}
	case TypePushAbort:
		return &PushAbort{}
	case TypePullBegin:
		return &PullBegin{}
	case TypePullChunk:
		return &PullChunk{}
	case TypePullEnd:
		return &PullEnd{}
	case TypeTransferAck:
		return &TransferAck{}
	case TypeOpenService:
		return &OpenService{}
	case TypeStreamData:
		return &StreamData{}
	case TypeStreamClose:
		return &StreamClose{}
	case TypeStreamResize:
		return &StreamResize{}
	case TypeServiceError:
		return &ServiceError{}
	case TypeError:
		return &Error{}
	default:
		return nil
	}
}
