// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newRecord(t *testing.T, fingerprint, name string) Record {
	t.Helper()
	public, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return Record{
		Fingerprint: fingerprint,
		DisplayName: name,
		PublicKey:   public,
		PairedAt:    time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

// backends returns a constructor per backend. Each constructor opens a
// fresh store rooted in dir.
func backends() map[string]func(t *testing.T, dir string) Store {
	return map[string]func(t *testing.T, dir string) Store{
		BackendMemory: func(t *testing.T, dir string) Store { return NewMemoryStore() },
		BackendFile: func(t *testing.T, dir string) Store {
			store, err := OpenFileStore(filepath.Join(dir, "pairings.cbor"))
			if err != nil {
				t.Fatalf("OpenFileStore: %v", err)
			}
			return store
		},
		BackendSQLite: func(t *testing.T, dir string) Store {
			store, err := OpenSQLiteStore(filepath.Join(dir, "pairings.db"), nil)
			if err != nil {
				t.Fatalf("OpenSQLiteStore: %v", err)
			}
			return store
		},
	}
}

func TestStoreOperations(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir())
			defer store.Close()

			if _, found, err := store.Get(ctx, "aaaa"); err != nil || found {
				t.Fatalf("Get on empty store = found %v, err %v", found, err)
			}

			alpha := newRecord(t, "aaaa000000000000", "alpha")
			beta := newRecord(t, "bbbb000000000000", "beta")
			for _, r := range []Record{beta, alpha} {
				if err := store.Put(ctx, r); err != nil {
					t.Fatalf("Put(%s): %v", r.Fingerprint, err)
				}
			}

			got, found, err := store.Get(ctx, alpha.Fingerprint)
			if err != nil || !found {
				t.Fatalf("Get(alpha) = found %v, err %v", found, err)
			}
			if got.DisplayName != "alpha" || !got.Key().Equal(alpha.Key()) || !got.PairedAt.Equal(alpha.PairedAt) {
				t.Errorf("Get(alpha) = %+v", got)
			}

			renamed := alpha
			renamed.DisplayName = "alpha-renamed"
			if err := store.Put(ctx, renamed); err != nil {
				t.Fatalf("Put(replace): %v", err)
			}

			list, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].Fingerprint != alpha.Fingerprint || list[1].Fingerprint != beta.Fingerprint {
				t.Fatalf("List = %+v, want alpha then beta", list)
			}
			if list[0].DisplayName != "alpha-renamed" {
				t.Errorf("replaced record name = %q", list[0].DisplayName)
			}

			removed, err := store.Remove(ctx, beta.Fingerprint)
			if err != nil || !removed {
				t.Fatalf("Remove(beta) = %v, %v", removed, err)
			}
			removed, err = store.Remove(ctx, beta.Fingerprint)
			if err != nil || removed {
				t.Fatalf("second Remove(beta) = %v, %v", removed, err)
			}

			if err := store.Put(ctx, beta); err != nil {
				t.Fatalf("Put(beta): %v", err)
			}
			count, err := store.RemoveAll(ctx)
			if err != nil || count != 2 {
				t.Fatalf("RemoveAll = %d, %v; want 2", count, err)
			}
			list, err = store.List(ctx)
			if err != nil || len(list) != 0 {
				t.Fatalf("List after RemoveAll = %+v, %v", list, err)
			}
		})
	}
}

func TestStoreRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir())
			defer store.Close()
			if err := store.Put(ctx, Record{Fingerprint: "x", PublicKey: []byte("short")}); err == nil {
				t.Error("Put accepted a malformed public key")
			}
			if err := store.Put(ctx, Record{PublicKey: make([]byte, ed25519.PublicKeySize)}); err == nil {
				t.Error("Put accepted an empty fingerprint")
			}
		})
	}
}

// TestStorePersistence verifies the durable backends survive reopening.
func TestStorePersistence(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{BackendFile, BackendSQLite} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			open := backends()[name]

			first := open(t, dir)
			record := newRecord(t, "cccc000000000000", "persisted")
			if err := first.Put(ctx, record); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := first.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			second := open(t, dir)
			defer second.Close()
			got, found, err := second.Get(ctx, record.Fingerprint)
			if err != nil || !found {
				t.Fatalf("Get after reopen = found %v, err %v", found, err)
			}
			if got.DisplayName != "persisted" || !got.Key().Equal(record.Key()) {
				t.Errorf("Get after reopen = %+v", got)
			}
		})
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir())
			defer store.Close()

			records := make([]Record, 8)
			for i := range records {
				records[i] = newRecord(t, fmt.Sprintf("%016x", i), fmt.Sprintf("peer-%d", i))
			}

			var wg sync.WaitGroup
			errs := make(chan error, 2*len(records))
			for _, r := range records {
				wg.Add(2)
				go func() {
					defer wg.Done()
					errs <- store.Put(ctx, r)
				}()
				go func() {
					defer wg.Done()
					_, err := store.List(ctx)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent operation: %v", err)
				}
			}

			list, err := store.List(ctx)
			if err != nil || len(list) != len(records) {
				t.Fatalf("List = %d records, %v; want %d", len(list), err, len(records))
			}
		})
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Backend: BackendMemory},
		{Backend: BackendFile, Path: filepath.Join(dir, "p.cbor")},
		{Backend: BackendSQLite, Path: filepath.Join(dir, "p.db")},
	} {
		store, err := Open(cfg)
		if err != nil {
			t.Fatalf("Open(%s): %v", cfg.Backend, err)
		}
		store.Close()
	}
	if _, err := Open(Config{Backend: "etcd"}); err == nil {
		t.Fatal("Open accepted an unknown backend")
	}
}
