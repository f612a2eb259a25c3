// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// DefaultWorkFactor is the scrypt work factor (log2 N) used by Seal.
// It matches age's own default, costing roughly a second per unseal.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned by Open when the passphrase does not
// unlock the blob.
var ErrWrongPassphrase = errors.New("sealed: wrong passphrase")

// Seal encrypts plaintext with passphrase at DefaultWorkFactor.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	return SealWithWorkFactor(plaintext, passphrase, DefaultWorkFactor)
}

// SealWithWorkFactor encrypts plaintext with passphrase using the given
// scrypt work factor. Tests use a small factor to stay fast.
func SealWithWorkFactor(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("sealed: empty passphrase")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts a blob produced by Seal.
func Open(ciphertext []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
