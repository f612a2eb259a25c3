// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package discovery

import "syscall"

func allowBroadcast(string, string, syscall.RawConn) error { return nil }
