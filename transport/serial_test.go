// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// pipeDriver opens one end of a net.Pipe in place of a device and
// records the parameters it was asked for.
type pipeDriver struct {
	peer  net.Conn
	path  string
	baud  int
	delay time.Duration
}

func (d *pipeDriver) Open(path string, baud int) (io.ReadWriteCloser, error) {
	time.Sleep(d.delay)
	d.path, d.baud = path, baud
	local, peer := net.Pipe()
	d.peer = peer
	return local, nil
}

type failingDriver struct{ err error }

func (d failingDriver) Open(string, int) (io.ReadWriteCloser, error) { return nil, d.err }

func TestSerialConnect(t *testing.T) {
	driver := &pipeDriver{}
	serial := &Serial{Path: "/dev/ttyTEST0", Driver: driver}

	if _, err := serial.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Read before Connect: %v", err)
	}
	if err := serial.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if driver.path != "/dev/ttyTEST0" || driver.baud != DefaultBaudRate {
		t.Errorf("driver opened %s at %d", driver.path, driver.baud)
	}
	if serial.String() != "serial:///dev/ttyTEST0" {
		t.Errorf("String = %q", serial.String())
	}

	go serial.Write([]byte("abc"))
	buffer := make([]byte, 3)
	if _, err := io.ReadFull(driver.peer, buffer); err != nil || string(buffer) != "abc" {
		t.Fatalf("peer read %q, %v", buffer, err)
	}

	if err := serial.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if serial.Connected() {
		t.Fatal("Connected after Close")
	}
}

// TestSerialOpenTimeout verifies a driver that hangs in Open does not
// hang Connect.
func TestSerialOpenTimeout(t *testing.T) {
	serial := &Serial{
		Path:        "/dev/ttyTEST1",
		OpenTimeout: 10 * time.Millisecond,
		Driver:      &pipeDriver{delay: 200 * time.Millisecond},
	}
	err := serial.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect error = %v, want ErrConnectTimeout", err)
	}
	if serial.Connected() {
		t.Fatal("Connected after timeout")
	}
}

func TestSerialOpenError(t *testing.T) {
	serial := &Serial{Path: "/dev/ttyTEST2", Driver: failingDriver{err: errors.New("permission denied")}}
	if err := serial.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded with a failing driver")
	}
}
