// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/devbridge/lib/codec"
)

const fileStoreVersion = 1

type fileContents struct {
	Version int      `cbor:"version"`
	Records []Record `cbor:"records"`
}

// FileStore keeps records in memory and rewrites a CBOR file after
// every change. Reads never touch the disk.
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

// OpenFileStore loads path, or starts empty if it does not exist. The
// parent directory is created with mode 0700.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("pairing file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating pairing directory: %w", err)
	}

	store := &FileStore{path: path, records: make(map[string]Record)}
	var contents fileContents
	err := codec.ReadFile(path, &contents)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("loading pairing store: %w", err)
	}
	if contents.Version != fileStoreVersion {
		return nil, fmt.Errorf("pairing store %s: version %d not supported", path, contents.Version)
	}
	for _, r := range contents.Records {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("pairing store %s: %w", path, err)
		}
		store.records[r.Fingerprint] = r
	}
	return store, nil
}

func (s *FileStore) Get(_ context.Context, fingerprint string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[fingerprint]
	return r, ok, nil
}

func (s *FileStore) Put(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.records[r.Fingerprint]
	s.records[r.Fingerprint] = r
	if err := s.flushLocked(); err != nil {
		if existed {
			s.records[r.Fingerprint] = previous
		} else {
			delete(s.records, r.Fingerprint)
		}
		return err
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.records[fingerprint]
	if !ok {
		return false, nil
	}
	delete(s.records, fingerprint)
	if err := s.flushLocked(); err != nil {
		s.records[fingerprint] = previous
		return false, err
	}
	return true, nil
}

func (s *FileStore) RemoveAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.records
	s.records = make(map[string]Record)
	if err := s.flushLocked(); err != nil {
		s.records = previous
		return 0, err
	}
	return len(previous), nil
}

func (s *FileStore) List(context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records), nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked rewrites the file from the in-memory map. Caller holds
// s.mu for writing.
func (s *FileStore) flushLocked() error {
	contents := fileContents{Version: fileStoreVersion, Records: sortedRecords(s.records)}
	if err := codec.WriteFile(s.path, contents, 0o600); err != nil {
		return fmt.Errorf("saving pairing store: %w", err)
	}
	return nil
}
