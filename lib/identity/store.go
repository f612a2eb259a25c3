// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/devbridge/lib/codec"
	"github.com/bureau-foundation/devbridge/lib/sealed"
)

const (
	identityFile  = "identity.cbor"
	publicKeyFile = "identity.pub"

	fileVersion = 1
)

// ErrPassphraseRequired is returned by Load when the private key is
// sealed and no passphrase was given.
var ErrPassphraseRequired = errors.New("identity is sealed: passphrase required")

// identityRecord is the on-disk form. Exactly one of Seed and
// SealedSeed is set.
type identityRecord struct {
	Version     int    `cbor:"version"`
	DisplayName string `cbor:"display_name"`
	PublicKey   []byte `cbor:"public_key"`
	Seed        []byte `cbor:"seed,omitempty"`
	SealedSeed  []byte `cbor:"sealed_seed,omitempty"`
}

// SaveOptions controls how Save protects the private key.
type SaveOptions struct {
	// Passphrase seals the private seed with age when non-empty.
	Passphrase string
	// WorkFactor overrides the scrypt work factor. Zero selects
	// sealed.DefaultWorkFactor.
	WorkFactor int
}

// Save writes id to dir, creating dir with mode 0700 if needed.
func Save(dir string, id *Identity, options SaveOptions) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	record := identityRecord{
		Version:     fileVersion,
		DisplayName: id.DisplayName,
		PublicKey:   id.PublicKey,
	}
	if options.Passphrase == "" {
		record.Seed = id.seed()
	} else {
		workFactor := options.WorkFactor
		if workFactor == 0 {
			workFactor = sealed.DefaultWorkFactor
		}
		sealedSeed, err := sealed.SealWithWorkFactor(id.seed(), options.Passphrase, workFactor)
		if err != nil {
			return fmt.Errorf("sealing private key: %w", err)
		}
		record.SealedSeed = sealedSeed
	}

	if err := codec.WriteFile(filepath.Join(dir, identityFile), record, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	publicPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(publicPath, []byte(id.EncodedPublicKey()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Load reads the identity stored in dir. passphrase is only consulted
// when the private key is sealed.
func Load(dir, passphrase string) (*Identity, error) {
	var record identityRecord
	if err := codec.ReadFile(filepath.Join(dir, identityFile), &record); err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	if record.Version != fileVersion {
		return nil, fmt.Errorf("identity file version %d not supported", record.Version)
	}

	seed := record.Seed
	if len(record.SealedSeed) > 0 {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		opened, err := sealed.Open(record.SealedSeed, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unsealing private key: %w", err)
		}
		seed = opened
	}

	id, err := FromSeed(record.DisplayName, seed)
	if err != nil {
		return nil, fmt.Errorf("identity file: %w", err)
	}
	if !id.PublicKey.Equal(ed25519.PublicKey(record.PublicKey)) {
		return nil, errors.New("identity file: public key does not match private key")
	}
	return id, nil
}

// LoadOrGenerate loads the identity in dir, or generates and saves a
// new one when none exists. A file that exists but cannot be loaded is
// an error, never silently replaced. The boolean reports whether a new
// identity was generated.
func LoadOrGenerate(dir, displayName string, options SaveOptions) (*Identity, bool, error) {
	id, err := Load(dir, options.Passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate(displayName)
	if err != nil {
		return nil, false, err
	}
	if err := Save(dir, id, options); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
