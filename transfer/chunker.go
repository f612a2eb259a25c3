// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/devbridge/protocol"
)

// ChunkSize is the amount of file content carried by one chunk
// message before compression.
const ChunkSize = 64 << 10

// Chunk is one piece of a file ready to send.
type Chunk struct {
	Payload    []byte
	Compressed bool
	RawSize    int
}

// Chunker splits a reader into chunks and digests the content as it
// goes.
type Chunker struct {
	reader      io.Reader
	compression protocol.Compression
	hasher      *blake3.Hasher
	buffer      []byte
	total       int64
	done        bool
}

// NewChunker returns a Chunker reading r. A chunkSize of zero selects
// ChunkSize.
func NewChunker(r io.Reader, compression protocol.Compression, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &Chunker{
		reader:      r,
		compression: compression,
		hasher:      newHasher(),
		buffer:      make([]byte, chunkSize),
	}
}

// Next returns the next chunk, or io.EOF after the last one. An empty
// input produces no chunks.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}
	n, err := io.ReadFull(c.reader, c.buffer)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		return Chunk{}, fmt.Errorf("reading chunk: %w", err)
	}

	raw := c.buffer[:n]
	c.hasher.Write(raw)
	c.total += int64(n)

	payload, compressed, err := compressChunk(raw, c.compression)
	if err != nil {
		return Chunk{}, err
	}
	// The buffer is reused on the next call.
	if !compressed {
		payload = append([]byte(nil), raw...)
	}
	return Chunk{Payload: payload, Compressed: compressed, RawSize: n}, nil
}

// Bytes returns the number of content bytes chunked so far.
func (c *Chunker) Bytes() int64 { return c.total }

// Digest returns the digest of the content chunked so far.
func (c *Chunker) Digest() string { return hexDigest(c.hasher) }
