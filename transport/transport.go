// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/bureau-foundation/devbridge/protocol"
)

var (
	// ErrNotConnected is returned by Read and Write before Connect
	// succeeds or after the transport is closed.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectTimeout is returned by Connect when the link cannot be
	// established within the configured timeout.
	ErrConnectTimeout = errors.New("transport: connect timed out")
)

// Transport is a bidirectional byte stream to one peer.
type Transport interface {
	// Connect establishes the link. Calling Connect on a connected
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Read reads raw bytes from the peer. It returns io.EOF when the
	// peer closes the link.
	Read(p []byte) (int, error)

	// Write writes raw bytes to the peer.
	Write(p []byte) (int, error)

	// Close ends the link gracefully: pending output is flushed and the
	// peer sees an orderly end of stream. Close is idempotent.
	Close() error

	// Destroy tears the link down immediately, discarding anything in
	// flight. Destroy is idempotent and safe after Close.
	Destroy() error

	// Connected reports whether the link is up.
	Connected() bool

	// String describes the endpoint for logs, e.g. "tcp://10.0.0.5:7800".
	String() string
}

// MessageReader is implemented by transports that deliver whole
// protocol messages themselves. The session layer uses ReadMessage
// instead of decoding Read's output when it is available.
type MessageReader interface {
	ReadMessage() (protocol.Message, error)
}

// Listener accepts inbound transports on the agent side.
type Listener interface {
	// Accept blocks until a peer connects. The returned transport is
	// already connected. Accept returns net.ErrClosed after Close.
	Accept() (Transport, error)

	// Addr describes the listening endpoint.
	Addr() string

	// Close stops accepting. Transports already accepted are not
	// affected.
	Close() error
}

// netConn adapts a connected net.Conn. It is the shared body of TCP
// and Pipe transports.
type netConn struct {
	name string

	mu     sync.RWMutex
	conn   net.Conn
	closed bool
}

func (c *netConn) current() (net.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.closed {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *netConn) attach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.closed = false
}

func (c *netConn) Read(p []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (c *netConn) Write(p []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (c *netConn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

func (c *netConn) String() string { return c.name }

// shutdown marks the transport closed and returns the connection to
// close, or nil if it was already closed.
func (c *netConn) shutdown() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return nil
	}
	c.closed = true
	return c.conn
}

// Close half-closes the write side where supported, so the peer reads
// EOF after all written data, then releases the connection.
func (c *netConn) Close() error {
	conn := c.shutdown()
	if conn == nil {
		return nil
	}
	if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
		halfCloser.CloseWrite()
	}
	return conn.Close()
}

// Destroy resets the connection without a graceful shutdown.
func (c *netConn) Destroy() error {
	conn := c.shutdown()
	if conn == nil {
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	return conn.Close()
}

// Pipe returns two connected in-memory transports. Writes on one
// become reads on the other; net.Pipe semantics apply (writes block
// until read).
func Pipe() (Transport, Transport) {
	left, right := net.Pipe()
	return newPipeEnd("pipe://a", left), newPipeEnd("pipe://b", right)
}

type pipeEnd struct {
	netConn
}

func newPipeEnd(name string, conn net.Conn) *pipeEnd {
	end := &pipeEnd{netConn: netConn{name: name}}
	end.attach(conn)
	return end
}

func (p *pipeEnd) Connect(context.Context) error {
	if !p.Connected() {
		return fmt.Errorf("%s: %w", p.name, ErrNotConnected)
	}
	return nil
}
