// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultBaudRate is used when Serial.Baud is zero.
const DefaultBaudRate = 115200

// ErrSerialUnsupported is returned when no serial driver exists for
// the running platform.
var ErrSerialUnsupported = errors.New("transport: serial ports are not supported on this platform")

// SerialDriver opens a serial device configured for raw 8N1 at the
// given baud rate.
type SerialDriver interface {
	Open(path string, baud int) (io.ReadWriteCloser, error)
}

var (
	systemDriverOnce sync.Once
	systemDriver     SerialDriver
	systemDriverErr  error
)

// SystemSerialDriver returns the platform driver, constructing it on
// first use.
func SystemSerialDriver() (SerialDriver, error) {
	systemDriverOnce.Do(func() {
		systemDriver, systemDriverErr = newSystemSerialDriver()
	})
	return systemDriver, systemDriverErr
}

// Compile-time interface check.
var _ Transport = (*Serial)(nil)

// Serial is a transport over a serial device.
type Serial struct {
	// Path is the device, e.g. /dev/ttyUSB0.
	Path string
	// Baud is the line rate. Zero selects DefaultBaudRate.
	Baud int
	// OpenTimeout bounds Connect. Zero selects DefaultConnectTimeout.
	OpenTimeout time.Duration
	// Driver overrides the platform driver.
	Driver SerialDriver

	mu     sync.RWMutex
	port   io.ReadWriteCloser
	closed bool
}

// NewSerial returns an unconnected serial transport.
func NewSerial(path string, baud int, openTimeout time.Duration) *Serial {
	return &Serial{Path: path, Baud: baud, OpenTimeout: openTimeout}
}

func (s *Serial) String() string { return "serial://" + s.Path }

// Connect opens the device. A device that does not open within
// OpenTimeout (a wedged USB adapter can block open indefinitely) is
// abandoned with ErrConnectTimeout, and closed if the open later
// completes.
func (s *Serial) Connect(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	driver := s.Driver
	if driver == nil {
		var err error
		if driver, err = SystemSerialDriver(); err != nil {
			return err
		}
	}
	baud := s.Baud
	if baud == 0 {
		baud = DefaultBaudRate
	}
	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	results := make(chan serialOpenResult, 1)
	go func() {
		port, err := driver.Open(s.Path, baud)
		results <- serialOpenResult{port, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-results:
		if result.err != nil {
			return fmt.Errorf("opening %s: %w", s.Path, result.err)
		}
		s.mu.Lock()
		s.port = result.port
		s.closed = false
		s.mu.Unlock()
		return nil
	case <-timer.C:
		go closeLateOpen(results)
		return fmt.Errorf("%s after %v: %w", s, timeout, ErrConnectTimeout)
	case <-ctx.Done():
		go closeLateOpen(results)
		return ctx.Err()
	}
}

type serialOpenResult struct {
	port io.ReadWriteCloser
	err  error
}

// closeLateOpen releases a port whose open completed after Connect gave
// up on it.
func closeLateOpen(results <-chan serialOpenResult) {
	if result := <-results; result.err == nil {
		result.port.Close()
	}
}

func (s *Serial) current() (io.ReadWriteCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil || s.closed {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

func (s *Serial) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (s *Serial) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port != nil && !s.closed
}

// Close drains pending output when the port supports it, then closes
// the device. A serial line has no end-of-stream signal, so the peer
// notices only through the session layer's own close handling.
func (s *Serial) Close() error {
	port := s.shutdown()
	if port == nil {
		return nil
	}
	if drainer, ok := port.(interface{ Drain() error }); ok {
		drainer.Drain()
	}
	return port.Close()
}

// Destroy closes the device without draining.
func (s *Serial) Destroy() error {
	port := s.shutdown()
	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Serial) shutdown() io.ReadWriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.port
}
