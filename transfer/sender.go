// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bureau-foundation/devbridge/protocol"
)

// Sender is the agent side of one pull.
type Sender struct {
	remotePath string
	file       *os.File
	size       int64
	chunker    *Chunker
}

// OpenSender validates a pull_begin and opens the file. The path is
// resolved inside sandbox before the file is touched.
func OpenSender(sandbox Sandbox, begin *protocol.PullBegin) (*Sender, error) {
	target, err := sandbox.Resolve(begin.RemotePath)
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(string(begin.Compression))
	if err != nil {
		return nil, err
	}
	if err := sandbox.checkLinks(begin.RemotePath, target); err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, begin.RemotePath)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", begin.RemotePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", begin.RemotePath, err)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, &PathError{Path: begin.RemotePath, Reason: "not a regular file"}
	}
	return &Sender{
		remotePath: begin.RemotePath,
		file:       file,
		size:       info.Size(),
		chunker:    NewChunker(file, compression, ChunkSize),
	}, nil
}

// Size returns the file size at open time.
func (s *Sender) Size() int64 { return s.size }

// Next returns the next pull_chunk, or io.EOF after the last.
func (s *Sender) Next() (*protocol.PullChunk, error) {
	chunk, err := s.chunker.Next()
	if err != nil {
		return nil, err
	}
	return &protocol.PullChunk{Payload: chunk.Payload, Compressed: chunk.Compressed, RawSize: chunk.RawSize}, nil
}

// End returns the closing pull_end with the totals actually sent.
func (s *Sender) End() *protocol.PullEnd {
	return &protocol.PullEnd{Bytes: s.chunker.Bytes(), Digest: s.chunker.Digest()}
}

// Close releases the file.
func (s *Sender) Close() error { return s.file.Close() }
