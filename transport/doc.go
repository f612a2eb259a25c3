// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves raw bytes between a controller and an agent
// over whatever physical medium connects them.
//
// Every medium implements [Transport]: Connect establishes the link,
// Read and Write move bytes, Close ends the link gracefully (flushing
// and half-closing where the medium supports it) and Destroy tears it
// down immediately. Transports know nothing about frames or messages;
// the session layer feeds their bytes through the protocol decoder.
//
// Implementations:
//
//   - [TCP]: host:port with a connect timeout. [TCPListener] accepts
//     inbound connections on the agent side.
//   - [Serial]: a tty device at a fixed baud rate. The platform driver
//     (raw termios on Linux) is resolved lazily on first Connect, so
//     builds for platforms without serial support still link and only
//     fail if a serial link is actually requested.
//   - [USBSerial]: a USB CDC-ACM or USB-serial adapter located by
//     vendor/product ID under sysfs. USB bulk transfers split and merge
//     frames arbitrarily, so USBSerial reassembles whole messages itself
//     and implements [MessageReader].
//   - [Pipe]: an in-memory connected pair, for tests and for embedding
//     an agent in the same process as its controller.
//
// The event-callback shape some bridge implementations use (onData,
// onError, onClose) maps onto Go as a blocking Read loop: data is what
// Read returns, an error is Read's error, and close is io.EOF. The
// session package owns that loop.
package transport
