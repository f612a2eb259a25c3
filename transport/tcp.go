// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// DefaultConnectTimeout bounds TCP and serial connection setup.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultPort is the agent's TCP port when an address names none.
	DefaultPort = 7800
)

// Compile-time interface checks.
var (
	_ Transport = (*TCP)(nil)
	_ Listener  = (*TCPListener)(nil)
)

// TCP is a transport over a TCP connection.
type TCP struct {
	netConn

	// Address is the agent's host:port.
	Address string

	// ConnectTimeout bounds Connect. Zero selects
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// NewTCP returns an unconnected TCP transport for address.
func NewTCP(address string, connectTimeout time.Duration) *TCP {
	return &TCP{
		netConn:        netConn{name: "tcp://" + address},
		Address:        address,
		ConnectTimeout: connectTimeout,
	}
}

// Connect dials the agent. If the connection is not established within
// ConnectTimeout the attempt is abandoned and ErrConnectTimeout is
// returned.
func (t *TCP) Connect(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialContext, "tcp", t.Address)
	if err != nil {
		if errors.Is(dialContext.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s after %v: %w", t.name, timeout, ErrConnectTimeout)
		}
		return fmt.Errorf("connecting to %s: %w", t.name, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
	t.attach(conn)
	return nil
}

// TCPListener accepts inbound controller connections.
type TCPListener struct {
	listener net.Listener
}

// ListenTCP listens on address (":7800", "127.0.0.1:0", ...).
func ListenTCP(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &TCPListener{listener: listener}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	accepted := &TCP{
		netConn: netConn{name: "tcp://" + conn.RemoteAddr().String()},
		Address: conn.RemoteAddr().String(),
	}
	accepted.attach(conn)
	return accepted, nil
}

// Addr returns the listening address in host:port form.
func (l *TCPListener) Addr() string { return l.listener.Addr().String() }

// Close stops the listener.
func (l *TCPListener) Close() error { return l.listener.Close() }
