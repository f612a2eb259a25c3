// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Record is a trusted controller.
type Record struct {
	Fingerprint string    `cbor:"fingerprint"`
	DisplayName string    `cbor:"display_name,omitempty"`
	PublicKey   []byte    `cbor:"public_key"`
	PairedAt    time.Time `cbor:"paired_at"`
}

// Key returns the record's Ed25519 public key.
func (r Record) Key() ed25519.PublicKey { return ed25519.PublicKey(r.PublicKey) }

// Store persists pairing records.
type Store interface {
	// Get returns the record for fingerprint and whether it exists.
	Get(ctx context.Context, fingerprint string) (Record, bool, error)
	// Put inserts or replaces the record for r.Fingerprint.
	Put(ctx context.Context, r Record) error
	// Remove deletes the record for fingerprint, reporting whether one
	// existed.
	Remove(ctx context.Context, fingerprint string) (bool, error)
	// RemoveAll deletes every record and returns how many there were.
	RemoveAll(ctx context.Context) (int, error)
	// List returns every record ordered by fingerprint.
	List(ctx context.Context) ([]Record, error)
	// Close releases the store's resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the file or database path for the file and sqlite
	// backends.
	Path   string
	Logger *slog.Logger
}

// Open returns the store selected by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(cfg.Path)
	case BackendSQLite:
		return OpenSQLiteStore(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown pairing backend %q", cfg.Backend)
	}
}

func validate(r Record) error {
	if r.Fingerprint == "" {
		return fmt.Errorf("pairing record: empty fingerprint")
	}
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("pairing record %s: public key has %d bytes, want %d",
			r.Fingerprint, len(r.PublicKey), ed25519.PublicKeySize)
	}
	return nil
}

// MemoryStore keeps records in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[fingerprint]
	return r, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Fingerprint] = r
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[fingerprint]
	delete(s.records, fingerprint)
	return ok, nil
}

func (s *MemoryStore) RemoveAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string]Record)
	return n, nil
}

func (s *MemoryStore) List(context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records), nil
}

func (s *MemoryStore) Close() error { return nil }

func sortedRecords(records map[string]Record) []Record {
	list := make([]Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Fingerprint < list[j].Fingerprint })
	return list
}
