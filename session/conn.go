// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/lib/netutil"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/transport"
)

const (
	// DefaultQueueSize is the capacity of the outbound frame queue.
	DefaultQueueSize = 64

	// drainTimeout bounds how long a graceful Close waits for queued
	// frames to reach the transport.
	drainTimeout = 5 * time.Second

	// readBufferSize is the chunk size for transports that hand back
	// raw bytes.
	readBufferSize = 32 << 10
)

// ConnHandlers receive a connection's events. Both run on the
// connection's own goroutines and must not call Close or Destroy
// synchronously.
type ConnHandlers struct {
	// OnMessage receives every decoded message in arrival order,
	// including non-fatal synthetic decode errors. It runs on the
	// reader goroutine: a slow OnMessage stops further reads.
	OnMessage func(protocol.Message)

	// OnClose runs exactly once, after Done is closed, with the
	// teardown error.
	OnClose func(err error)
}

// Conn runs the read and write loops for one connected transport.
type Conn struct {
	transport transport.Transport
	handlers  ConnHandlers
	logger    *slog.Logger

	outbound   chan []byte
	draining   chan struct{}
	drainOnce  sync.Once
	writerDone chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewConn starts the read and write loops on a connected transport.
// A queueSize of zero selects DefaultQueueSize.
func NewConn(t transport.Transport, handlers ConnHandlers, queueSize int, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Conn{
		transport:  t,
		handlers:   handlers,
		logger:     logger,
		outbound:   make(chan []byte, queueSize),
		draining:   make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Transport returns the underlying transport.
func (c *Conn) Transport() transport.Transport { return c.transport }

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown error, or nil while the connection is up.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send encodes msg and queues the frame. It blocks while the queue is
// full and fails once the connection is closing.
func (c *Conn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	case <-c.draining:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return c.Err()
	case <-c.draining:
		return ErrClosed
	}
}

// Close flushes queued frames, closes the transport gracefully, and
// tears the connection down with ErrClosed.
func (c *Conn) Close() error {
	c.drainOnce.Do(func() { close(c.draining) })
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("outbound queue did not drain before close", "pending", len(c.outbound))
	}
	c.teardown(ErrClosed, true)
	return nil
}

// Destroy tears the connection down immediately, discarding queued
// frames.
func (c *Conn) Destroy() {
	c.teardown(ErrClosed, false)
}

func (c *Conn) teardown(err error, graceful bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)

		if graceful {
			c.transport.Close()
		} else {
			c.transport.Destroy()
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(err)
		}
	})
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.outbound:
			if !c.write(frame) {
				return
			}
		case <-c.draining:
			for {
				select {
				case frame := <-c.outbound:
					if !c.write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(frame []byte) bool {
	if _, err := c.transport.Write(frame); err != nil {
		c.fail(fmt.Errorf("writing to %s: %w", c.transport, err))
		return false
	}
	return true
}

func (c *Conn) readLoop() {
	if reader, ok := c.transport.(transport.MessageReader); ok {
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				c.fail(fmt.Errorf("reading from %s: %w", c.transport, err))
				return
			}
			if !c.deliver(msg) {
				return
			}
		}
	}

	decoder := protocol.NewDecoder()
	buffer := make([]byte, readBufferSize)
	for {
		n, err := c.transport.Read(buffer)
		if n > 0 {
			for _, msg := range decoder.Feed(buffer[:n]) {
				if !c.deliver(msg) {
					return
				}
			}
		}
		if err != nil {
			c.fail(fmt.Errorf("reading from %s: %w", c.transport, err))
			return
		}
	}
}

// deliver hands msg to OnMessage, or tears the connection down for a
// fatal decode error. It reports whether reading should continue.
func (c *Conn) deliver(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if protocol.IsFatal(msg) {
		c.logger.Warn("dropping connection after unrecoverable frame", "error", msg)
		c.teardown(fmt.Errorf("%w: %v", ErrFrameTooLarge, msg), false)
		return false
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
	return true
}

// fail tears the connection down after an I/O error. Errors that only
// say the link closed map to ErrClosed.
func (c *Conn) fail(err error) {
	if netutil.IsExpectedCloseError(err) {
		c.logger.Debug("connection closed", "error", err)
		c.teardown(ErrClosed, false)
		return
	}
	c.logger.Warn("connection failed", "error", err)
	c.teardown(err, false)
}
