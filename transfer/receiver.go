// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"io/fs"

	"github.com/bureau-foundation/devbridge/protocol"
)

// Receiver is the agent side of one push.
type Receiver struct {
	remotePath string
	assembler  *Assembler
}

// NewReceiver validates a push_begin and stages the upload. The path
// is resolved inside sandbox before any file is created.
func NewReceiver(sandbox Sandbox, begin *protocol.PushBegin) (*Receiver, error) {
	target, err := sandbox.Resolve(begin.RemotePath)
	if err != nil {
		return nil, err
	}
	if target == sandbox.Root() {
		return nil, &PathError{Path: begin.RemotePath, Reason: "names the file root itself"}
	}
	if begin.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrSizeMismatch, begin.Size)
	}
	compression, err := ParseCompression(string(begin.Compression))
	if err != nil {
		return nil, err
	}
	if err := sandbox.checkLinks(begin.RemotePath, target); err != nil {
		return nil, err
	}
	assembler, err := NewAssembler(target, compression, begin.Size, fs.FileMode(begin.Mode))
	if err != nil {
		return nil, err
	}
	return &Receiver{remotePath: begin.RemotePath, assembler: assembler}, nil
}

// RemotePath returns the path as the controller named it.
func (r *Receiver) RemotePath() string { return r.remotePath }

// Write appends one push_chunk and returns the running total.
func (r *Receiver) Write(chunk *protocol.PushChunk) (int64, error) {
	return r.assembler.Write(chunk.Payload, chunk.Compressed, chunk.RawSize)
}

// Commit verifies a push_end and renames the file into place. It
// returns the byte count and digest for the end acknowledgement.
func (r *Receiver) Commit(end *protocol.PushEnd) (int64, string, error) {
	digest, err := r.assembler.Commit(end.Bytes, end.Digest)
	return r.assembler.Written(), digest, err
}

// Abort discards the upload.
func (r *Receiver) Abort() { r.assembler.Abort() }
