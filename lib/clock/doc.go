// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that nonce
// expiry, call timeouts, and uptime reporting can be driven
// deterministically in tests.
//
// Production code holds a Clock field set to Real(). Tests use Fake()
// and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	gate := handshake.NewGate(handshake.Config{Clock: c, ...})
//	// ... issue a challenge ...
//	c.Advance(31 * time.Second) // the nonce is now expired
//
// A goroutine blocked in After registers a pending timer. WaitForTimers
// blocks until a given number of timers are pending, which removes the
// race between a goroutine reaching its select and the test advancing
// time.
package clock
