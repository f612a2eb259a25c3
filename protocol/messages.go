// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// Message is implemented by every protocol variant. The set is closed:
// the unexported marker method keeps other packages from adding
// variants that the codec would not know how to decode.
type Message interface {
	// Type returns the wire discriminator for the variant.
	Type() Type
	message()
}

// Correlated is implemented by one-shot request and response variants
// that carry a call identifier.
type Correlated interface {
	Message
	CallIdentifier() string
	SetCallIdentifier(id string)
}

// StreamMessage is implemented by variants addressed to a stream.
type StreamMessage interface {
	Message
	StreamIdentifier() uint32
}

// Call carries the optional call identifier shared by request/response
// variants. An agent copies the identifier from a request onto every
// message it sends in reply.
type Call struct {
	CallID string `json:"callId,omitempty"`
}

// CallIdentifier returns the call identifier, empty when the sender
// relies on the default call slot.
func (c *Call) CallIdentifier() string { return c.CallID }

// SetCallIdentifier sets the call identifier.
func (c *Call) SetCallIdentifier(id string) { c.CallID = id }

// Hello opens a connection. The controller introduces itself with its
// display name and public key; the agent answers with auth_required or
// auth_challenge.
type Hello struct {
	DisplayName string `json:"displayName"`
	// PublicKey is the base64 SPKI DER encoding of the controller key.
	PublicKey       string `json:"publicKey"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// AuthRequired tells the controller its key is not paired, or that it
// sent a message that needs an authenticated connection.
type AuthRequired struct {
	Reason          string `json:"reason,omitempty"`
	AgentName       string `json:"agentName,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// AuthChallenge carries a fresh nonce the controller must sign.
type AuthChallenge struct {
	// Nonce is base64 of at least 16 random bytes.
	Nonce           string `json:"nonce"`
	ExpiresInMs     int64  `json:"expiresInMs"`
	AgentName       string `json:"agentName,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// AuthResponse carries the base64 signature over the decoded nonce.
type AuthResponse struct {
	Signature string `json:"signature"`
}

// AuthOK confirms the connection is authenticated.
type AuthOK struct {
	Fingerprint string `json:"fingerprint"`
	AgentName   string `json:"agentName,omitempty"`
}

// AuthFail reports a failed challenge. Reason is one of
// [CodeBadSignature] or [CodeNonceExpired].
type AuthFail struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// PairRequest asks the agent to trust the public key presented in the
// preceding hello.
type PairRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

// PairOK confirms pairing. It also authenticates the current
// connection; later connections must complete the challenge.
type PairOK struct {
	Fingerprint string `json:"fingerprint"`
	AgentName   string `json:"agentName,omitempty"`
}

// PairDenied reports that pairing approval was refused.
type PairDenied struct {
	Reason string `json:"reason,omitempty"`
}

// UnpairScope selects which pairing records an unpair_request removes.
type UnpairScope string

const (
	// UnpairSelf removes the caller's own record and demotes the
	// connection.
	UnpairSelf UnpairScope = "self"
	// UnpairFingerprint removes the record with the given fingerprint.
	UnpairFingerprint UnpairScope = "fingerprint"
	// UnpairAll removes every record and demotes the connection.
	UnpairAll UnpairScope = "all"
)

// UnpairRequest removes pairing records.
type UnpairRequest struct {
	Call
	Scope       UnpairScope `json:"scope,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// UnpairOK reports how many records were removed.
type UnpairOK struct {
	Call
	Scope       UnpairScope `json:"scope"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Removed     int         `json:"removed"`
}

// Exec runs a command on the agent and waits for it to exit.
type Exec struct {
	Call
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Shell runs Command through the agent's shell instead of as an
	// argv vector. Args are ignored when set.
	Shell     bool              `json:"shell,omitempty"`
	Dir       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// ExecResult carries the command's real exit code and captured output.
type ExecResult struct {
	Call
	ExitCode   int   `json:"exitCode"`
	Stdout     Bytes `json:"stdout"`
	Stderr     Bytes `json:"stderr"`
	DurationMs int64 `json:"durationMs"`
	TimedOut   bool  `json:"timedOut,omitempty"`
}

// Status requests agent status.
type Status struct {
	Call
}

// StatusResult describes the agent.
type StatusResult struct {
	Call
	AgentName       string   `json:"agentName"`
	Hostname        string   `json:"hostname,omitempty"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	UptimeMs        int64    `json:"uptimeMs"`
	ProtocolVersion int      `json:"protocolVersion"`
	FileRoot        string   `json:"fileRoot,omitempty"`
	PairedCount     int      `json:"pairedCount"`
	OpenStreams     int      `json:"openStreams"`
	Services        []string `json:"services,omitempty"`
}

// ListPaired requests the agent's pairing records.
type ListPaired struct {
	Call
}

// PairedPeer is one entry of a list_paired_result.
type PairedPeer struct {
	Fingerprint string    `json:"fingerprint"`
	DisplayName string    `json:"displayName,omitempty"`
	PairedAt    time.Time `json:"pairedAt"`
}

// ListPairedResult carries the agent's pairing records.
type ListPairedResult struct {
	Call
	Paired []PairedPeer `json:"paired"`
}

// Compression names a chunk compression algorithm for file transfer.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// PushBegin starts an upload to RemotePath, resolved inside the
// agent's file root.
type PushBegin struct {
	Call
	RemotePath  string      `json:"remotePath"`
	Size        int64       `json:"size"`
	Compression Compression `json:"compression,omitempty"`
	Mode        uint32      `json:"mode,omitempty"`
}

// PushChunk carries one chunk of an upload. When Compressed is set,
// Payload decompresses to RawSize bytes.
type PushChunk struct {
	Call
	Payload    Bytes `json:"payload"`
	Compressed bool  `json:"compressed,omitempty"`
	RawSize    int   `json:"rawSize"`
}

// PushEnd completes an upload. The agent checks the byte count and
// digest before renaming the temporary file into place.
type PushEnd struct {
	Call
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest,omitempty"`
}

// PushAbort abandons the upload started under the same call
// identifier. The agent discards the staging file and sends no reply.
type PushAbort struct {
	Call
	Reason string `json:"reason,omitempty"`
}

// PullBegin starts a download of RemotePath.
type PullBegin struct {
	Call
	RemotePath  string      `json:"remotePath"`
	Compression Compression `json:"compression,omitempty"`
}

// PullChunk carries one chunk of a download.
type PullChunk struct {
	Call
	Payload    Bytes `json:"payload"`
	Compressed bool  `json:"compressed,omitempty"`
	RawSize    int   `json:"rawSize"`
}

// PullEnd completes a download.
type PullEnd struct {
	Call
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest,omitempty"`
}

// Transfer acknowledgement stages.
const (
	StageBegin = "begin"
	StageChunk = "chunk"
	StageEnd   = "end"
)

// TransferAck acknowledges a transfer step: the ready signal after
// push_begin or pull_begin, each push_chunk, and the final push_end.
type TransferAck struct {
	Call
	Stage      string `json:"stage"`
	RemotePath string `json:"remotePath,omitempty"`
	// Bytes is the running total for chunk acks and the final size for
	// the end ack.
	Bytes int64 `json:"bytes,omitempty"`
	// Size is the file size announced by a pull begin ack.
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// OpenService opens a stream to a named service.
type OpenService struct {
	StreamID uint32            `json:"streamId"`
	Service  string            `json:"service"`
	Args     []string          `json:"args,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Cols     uint16            `json:"cols,omitempty"`
	Rows     uint16            `json:"rows,omitempty"`
}

// Stream data channels. An empty channel is a service's only output.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
	// ChannelEOF marks the end of the opener's input. The stream stays
	// open so the service can keep writing.
	ChannelEOF = "eof"
)

// StreamData carries bytes on a stream. Channel distinguishes
// stdout from stderr for services that produce both.
type StreamData struct {
	StreamID uint32 `json:"streamId"`
	Channel  string `json:"channel,omitempty"`
	Payload  Bytes  `json:"payload"`
}

// StreamClose ends a stream. ExitCode is set by services backed by a
// process.
type StreamClose struct {
	StreamID uint32 `json:"streamId"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// StreamResize reports new terminal dimensions for a stream.
type StreamResize struct {
	StreamID uint32 `json:"streamId"`
	Cols     uint16 `json:"cols"`
	Rows     uint16 `json:"rows"`
}

// ServiceError fails a single stream without affecting its siblings.
type ServiceError struct {
	StreamID uint32 `json:"streamId"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

func (*Hello) Type() Type            { return TypeHello }
func (*AuthRequired) Type() Type     { return TypeAuthRequired }
func (*AuthChallenge) Type() Type    { return TypeAuthChallenge }
func (*AuthResponse) Type() Type     { return TypeAuthResponse }
func (*AuthOK) Type() Type           { return TypeAuthOK }
func (*AuthFail) Type() Type         { return TypeAuthFail }
func (*PairRequest) Type() Type      { return TypePairRequest }
func (*PairOK) Type() Type           { return TypePairOK }
func (*PairDenied) Type() Type       { return TypePairDenied }
func (*UnpairRequest) Type() Type    { return TypeUnpairRequest }
func (*UnpairOK) Type() Type         { return TypeUnpairOK }
func (*Exec) Type() Type             { return TypeExec }
func (*ExecResult) Type() Type       { return TypeExecResult }
func (*Status) Type() Type           { return TypeStatus }
func (*StatusResult) Type() Type     { return TypeStatusResult }
func (*ListPaired) Type() Type       { return TypeListPaired }
func (*ListPairedResult) Type() Type { return TypeListPairedResult }
func (*PushBegin) Type() Type        { return TypePushBegin }
func (*PushChunk) Type() Type        { return TypePushChunk }
func (*PushEnd) Type() Type          { return TypePushEnd }
func (*PushAbort) Type() Type        { return TypePushAbort }
func (*PullBegin) Type() Type        { return TypePullBegin }
func (*PullChunk) Type() Type        { return TypePullChunk }
func (*PullEnd) Type() Type          { return TypePullEnd }
func (*TransferAck) Type() Type      { return TypeTransferAck }
func (*OpenService) Type() Type      { return TypeOpenService }
func (*StreamData) Type() Type       { return TypeStreamData }
func (*StreamClose) Type() Type      { return TypeStreamClose }
func (*StreamResize) Type() Type     { return TypeStreamResize }
func (*ServiceError) Type() Type     { return TypeServiceError }
func (*Error) Type() Type            { return TypeError }

func (*Hello) message()            {}
func (*AuthRequired) message()     {}
func (*AuthChallenge) message()    {}
func (*AuthResponse) message()     {}
func (*AuthOK) message()           {}
func (*AuthFail) message()         {}
func (*PairRequest) message()      {}
func (*PairOK) message()           {}
func (*PairDenied) message()       {}
func (*UnpairRequest) message()    {}
func (*UnpairOK) message()         {}
func (*Exec) message()             {}
func (*ExecResult) message()       {}
func (*Status) message()           {}
func (*StatusResult) message()     {}
func (*ListPaired) message()       {}
func (*ListPairedResult) message() {}
func (*PushBegin) message()        {}
func (*PushChunk) message()        {}
func (*PushEnd) message()          {}
func (*PushAbort) message()        {}
func (*PullBegin) message()        {}
func (*PullChunk) message()        {}
func (*PullEnd) message()          {}
func (*TransferAck) message()      {}
func (*OpenService) message()      {}
func (*StreamData) message()       {}
func (*StreamClose) message()      {}
func (*StreamResize) message()     {}
func (*ServiceError) message()     {}
func (*Error) message()            {}

func (m *OpenService) StreamIdentifier() uint32  { return m.StreamID }
func (m *StreamData) StreamIdentifier() uint32   { return m.StreamID }
func (m *StreamClose) StreamIdentifier() uint32  { return m.StreamID }
func (m *StreamResize) StreamIdentifier() uint32 { return m.StreamID }
func (m *ServiceError) StreamIdentifier() uint32 { return m.StreamID }
