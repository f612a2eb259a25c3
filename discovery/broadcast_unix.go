// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// allowBroadcast sets SO_BROADCAST so a scan may target the broadcast
// address.
func allowBroadcast(_, _ string, raw syscall.RawConn) error {
	var sockoptErr error
	err := raw.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}
