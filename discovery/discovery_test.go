// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/devbridge/lib/testutil"
)

func startResponder(t *testing.T, name string, port int) string {
	t.Helper()
	conn, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		responder := &Responder{Name: name, Port: port, ProtocolVersion: 1}
		done <- responder.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "responder did not stop"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return conn.LocalAddr().String()
}

// TestScanFindsResponder verifies a scan aimed at a responder returns
// its name and agent port.
func TestScanFindsResponder(t *testing.T) {
	address := startResponder(t, "bench-pi", 7800)

	endpoints, err := Scan(context.Background(), address, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("found %d endpoints, want 1: %+v", len(endpoints), endpoints)
	}
	want := Endpoint{Host: "127.0.0.1", Port: 7800, Name: "bench-pi", ProtocolVersion: 1}
	if endpoints[0] != want {
		t.Errorf("endpoint = %+v, want %+v", endpoints[0], want)
	}
	if endpoints[0].Address() != "127.0.0.1:7800" {
		t.Errorf("Address = %q", endpoints[0].Address())
	}
}

// TestResponderIgnoresNoise verifies that datagrams other than discover
// requests get no reply and do not stop the responder.
func TestResponderIgnoresNoise(t *testing.T) {
	address := startResponder(t, "bench-pi", 7800)

	conn, err := net.Dial("udp", address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	for _, noise := range []string{"not json", `{"type":"discover_reply","port":1}`, `{}`} {
		conn.Write([]byte(noise))
	}
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatalf("noise got a %d-byte reply", n)
	}

	endpoints, err := Scan(context.Background(), address, 500*time.Millisecond)
	if err != nil || len(endpoints) != 1 {
		t.Fatalf("Scan after noise = %+v, %v", endpoints, err)
	}
}

// TestScanNoResponders verifies an empty scan ends at its deadline
// without error.
func TestScanNoResponders(t *testing.T) {
	idle, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer idle.Close()

	start := time.Now()
	endpoints, err := Scan(context.Background(), idle.LocalAddr().String(), 100*time.Millisecond)
	if err != nil || len(endpoints) != 0 {
		t.Fatalf("Scan = %+v, %v", endpoints, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan took %v", elapsed)
	}
}
