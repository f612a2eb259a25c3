// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age passphrase encryption for secrets
// kept on disk, currently the controller's private identity key.
//
// A sealed blob is a complete binary age file using the scrypt
// recipient, so it can also be opened with the age command-line tool:
//
//	age -d identity.key.age
package sealed
