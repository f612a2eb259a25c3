// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transport

func newSystemSerialDriver() (SerialDriver, error) {
	return nil, ErrSerialUnsupported
}
