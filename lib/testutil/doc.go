// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers: bounded channel
// receives that fail the test instead of hanging, and file fixtures
// for transfer tests.
package testutil
