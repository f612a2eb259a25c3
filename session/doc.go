// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session multiplexes one transport between one-shot calls and
// any number of concurrently open streams.
//
// A [Conn] owns the transport. Its reader goroutine decodes frames and
// hands each message to the session in arrival order; its writer
// goroutine drains a bounded outbound queue, so a handler that replies
// from the reader goroutine never deadlocks against a synchronous
// transport such as net.Pipe.
//
// A [Session] routes every inbound message to exactly one consumer:
//
//   - stream messages go to the [Stream] whose identifier matches
//     exactly. Messages for unknown streams are dropped, since data
//     already in flight when a stream closes is expected.
//   - messages carrying a call identifier go to the pending [Call] or
//     [Subscription] registered under that identifier.
//   - everything else goes to the OnUnsolicited hook when one is set
//     (the agent side), or to the default FIFO consumed by [Session.Next]
//     and [Session.Expect] (the controller side, for handshake replies).
//
// Tearing down the connection, locally or because the transport
// failed, wakes every waiter with the teardown error and fails every
// open stream.
package session
