// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/devbridge/protocol"
)

// stagingPattern names temporary files next to their destination.
const stagingPattern = ".devbridge-*.part"

// Assembler writes incoming chunks to a staging file beside the
// destination and renames it into place on Commit. Until then the
// destination is untouched; Abort, or any failed Commit, removes the
// staging file.
type Assembler struct {
	target      string
	compression protocol.Compression
	// limit is the announced size, or -1 when unknown.
	limit int64
	mode  fs.FileMode

	file    *os.File
	hasher  *blake3.Hasher
	written int64
}

// NewAssembler creates the staging file for target, creating parent
// directories as needed. expectedSize is the announced size, or -1 if
// unknown. A zero mode selects 0644.
func NewAssembler(target string, compression protocol.Compression, expectedSize int64, mode fs.FileMode) (*Assembler, error) {
	if mode == 0 {
		mode = 0o644
	}
	directory := filepath.Dir(target)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", directory, err)
	}
	file, err := os.CreateTemp(directory, stagingPattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging file in %s: %w", directory, err)
	}
	return &Assembler{
		target:      target,
		compression: compression,
		limit:       expectedSize,
		mode:        mode.Perm(),
		file:        file,
		hasher:      newHasher(),
	}, nil
}

// Target returns the destination path.
func (a *Assembler) Target() string { return a.target }

// Written returns the number of content bytes written so far.
func (a *Assembler) Written() int64 { return a.written }

// Write decodes one chunk and appends it. It returns the running byte
// total.
func (a *Assembler) Write(payload []byte, compressed bool, rawSize int) (int64, error) {
	if a.file == nil {
		return a.written, fmt.Errorf("writing %s: assembler closed", a.target)
	}
	data := payload
	if compressed {
		var err error
		if data, err = decompressChunk(payload, a.compression, rawSize); err != nil {
			return a.written, err
		}
	}
	if a.limit >= 0 && a.written+int64(len(data)) > a.limit {
		return a.written, fmt.Errorf("%w: received more than the announced %d bytes", ErrSizeMismatch, a.limit)
	}
	if _, err := a.file.Write(data); err != nil {
		return a.written, fmt.Errorf("writing %s: %w", a.file.Name(), err)
	}
	a.hasher.Write(data)
	a.written += int64(len(data))
	return a.written, nil
}

// Commit checks the byte count and, when digest is non-empty, the
// content digest, then syncs and renames the staging file onto the
// target. It returns the computed digest. Any failure leaves the
// target untouched and removes the staging file.
func (a *Assembler) Commit(expectedBytes int64, digest string) (string, error) {
	if a.file == nil {
		return "", fmt.Errorf("committing %s: assembler closed", a.target)
	}
	actual := hexDigest(a.hasher)
	if expectedBytes != a.written || (a.limit >= 0 && a.limit != a.written) {
		a.Abort()
		return actual, fmt.Errorf("%w: received %d bytes, sender reported %d", ErrSizeMismatch, a.written, expectedBytes)
	}
	if digest != "" && digest != actual {
		a.Abort()
		return actual, fmt.Errorf("%w: received %s, sender reported %s", ErrDigestMismatch, actual, digest)
	}

	staging := a.file.Name()
	if err := a.file.Chmod(a.mode); err != nil {
		a.Abort()
		return actual, fmt.Errorf("setting mode on %s: %w", staging, err)
	}
	if err := a.file.Sync(); err != nil {
		a.Abort()
		return actual, fmt.Errorf("syncing %s: %w", staging, err)
	}
	if err := a.file.Close(); err != nil {
		a.file = nil
		os.Remove(staging)
		return actual, fmt.Errorf("closing %s: %w", staging, err)
	}
	a.file = nil
	if err := os.Rename(staging, a.target); err != nil {
		os.Remove(staging)
		return actual, fmt.Errorf("renaming into %s: %w", a.target, err)
	}
	return actual, nil
}

// Abort discards the staging file. It is safe to call more than once
// and after Commit.
func (a *Assembler) Abort() {
	if a.file == nil {
		return
	}
	name := a.file.Name()
	a.file.Close()
	os.Remove(name)
	a.file = nil
}
