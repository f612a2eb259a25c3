// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/devbridge/handshake"
	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/identity"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/lib/testutil"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transport"
)

const testTimeout = 10 * time.Second

func newTestServer(t *testing.T, services ...Service) *Server {
	t.Helper()
	server, err := New(Config{
		Name:     "bench-pi",
		FileRoot: t.TempDir(),
		Store:    pairing.NewMemoryStore(),
		Approver: handshake.AutoApprove,
		Services: services,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return server
}

// connect serves one pipe end and returns a raw session on the other,
// plus the channel that receives ServeTransport's result.
func connect(t *testing.T, server *Server) (*session.Session, transport.Transport, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	controllerEnd, agentEnd := transport.Pipe()
	served := make(chan error, 1)
	go func() { served <- server.ServeTransport(ctx, agentEnd) }()
	sess := session.New(controllerEnd, session.Config{})
	t.Cleanup(sess.Destroy)
	return sess, controllerEnd, served
}

func expect(t *testing.T, sess *session.Session, types ...protocol.Type) protocol.Message {
	t.Helper()
	msg, err := sess.Expect(context.Background(), testTimeout, types...)
	if err != nil {
		t.Fatalf("waiting for %v: %v", types, err)
	}
	return msg
}

// pair runs hello and pair_request on a raw session.
func pair(t *testing.T, sess *session.Session) {
	t.Helper()
	id, err := identity.Generate("laptop")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sess.Send(&protocol.Hello{DisplayName: id.DisplayName, PublicKey: id.EncodedPublicKey()})
	expect(t, sess, protocol.TypeAuthRequired)
	sess.Send(&protocol.PairRequest{})
	expect(t, sess, protocol.TypePairOK)
}

// TestNewValidation verifies required configuration and service
// registration.
func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Name: "x"}); err == nil {
		t.Error("New without a store succeeded")
	}
	if _, err := New(Config{Store: pairing.NewMemoryStore()}); err == nil {
		t.Error("New without a name succeeded")
	}

	server := newTestServer(t, ServiceFunc{"flash", func(context.Context, *Stream) error { return nil }})
	want := []string{"capabilities", "echo", "exec", "flash", "info", "ping"}
	if got := server.ServiceNames(); !slices.Equal(got, want) {
		t.Errorf("ServiceNames = %v, want %v", got, want)
	}

	defer func() {
		if recover() == nil {
			t.Error("registering a duplicate service did not panic")
		}
	}()
	server.Handle(ServiceFunc{"echo", serveEcho})
}

// TestVersionNegotiation verifies that hello without a version is
// treated as version 1 and any other version is refused without
// changing state.
func TestVersionNegotiation(t *testing.T) {
	server := newTestServer(t)
	sess, _, _ := connect(t, server)
	id, _ := identity.Generate("laptop")

	sess.Send(&protocol.Hello{PublicKey: id.EncodedPublicKey(), ProtocolVersion: 2})
	_, err := sess.Expect(context.Background(), testTimeout, protocol.TypeAuthRequired)
	if !session.IsCode(err, protocol.CodeUnsupportedProtocolVersion) {
		t.Fatalf("hello v2 = %v, want unsupported_protocol_version", err)
	}
	sess.Send(&protocol.PairRequest{})
	if _, err := sess.Expect(context.Background(), testTimeout, protocol.TypePairOK); !session.IsCode(err, protocol.CodeHelloRequired) {
		t.Fatalf("pair after refused hello = %v, want hello_required", err)
	}

	sess.Send(&protocol.Hello{PublicKey: id.EncodedPublicKey()})
	reply := expect(t, sess, protocol.TypeAuthRequired).(*protocol.AuthRequired)
	if reply.ProtocolVersion != protocol.ProtocolVersion || reply.AgentName != "bench-pi" {
		t.Errorf("auth_required = %+v", reply)
	}
}

// TestMalformedFrameEchoed verifies that an undecodable frame is
// answered with an error and the connection keeps working.
func TestMalformedFrameEchoed(t *testing.T) {
	server := newTestServer(t)
	sess, raw, _ := connect(t, server)

	body := []byte(`{"type":"exec",`)
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	if _, err := raw.Write(append(frame, body...)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply := expect(t, sess, protocol.TypeError).(*protocol.Error)
	if reply.Code != protocol.CodeInvalidJSON {
		t.Errorf("code = %q, want invalid_json", reply.Code)
	}

	unknown := []byte(`{"type":"reboot"}`)
	frame = binary.BigEndian.AppendUint32(nil, uint32(len(unknown)))
	raw.Write(append(frame, unknown...))
	reply = expect(t, sess, protocol.TypeError).(*protocol.Error)
	if reply.Code != protocol.CodeUnknownMessageType {
		t.Errorf("code = %q, want unknown_message_type", reply.Code)
	}

	pair(t, sess)
}

// TestOversizeFrameDropsConnection verifies that a frame header beyond
// the maximum ends the connection.
func TestOversizeFrameDropsConnection(t *testing.T) {
	server := newTestServer(t)
	_, raw, served := connect(t, server)

	raw.Write(binary.BigEndian.AppendUint32(nil, protocol.MaxFrameBytes+1))
	err := testutil.RequireReceive(t, served, testTimeout, "ServeTransport did not return")
	if !errors.Is(err, session.ErrFrameTooLarge) {
		t.Errorf("ServeTransport = %v, want ErrFrameTooLarge", err)
	}
}

// TestPushSequencing verifies the errors for chunks outside a push and
// for a second concurrent push.
func TestPushSequencing(t *testing.T) {
	server := newTestServer(t)
	sess, _, _ := connect(t, server)
	pair(t, sess)
	ctx := context.Background()

	_, err := sess.Call(ctx, &protocol.PushChunk{Payload: []byte("x"), RawSize: 1}, testTimeout)
	if !session.IsCode(err, protocol.CodeNoTransfer) {
		t.Fatalf("chunk without push = %v, want no_transfer", err)
	}

	ack, err := sess.Call(ctx, &protocol.PushBegin{Call: protocol.Call{CallID: "p1"}, RemotePath: "a.bin", Size: 1}, testTimeout)
	if err != nil {
		t.Fatalf("push_begin: %v", err)
	}
	if ack.(*protocol.TransferAck).Stage != protocol.StageBegin {
		t.Fatalf("ack = %+v", ack)
	}
	_, err = sess.Call(ctx, &protocol.PushBegin{RemotePath: "b.bin", Size: 1}, testTimeout)
	if !session.IsCode(err, protocol.CodeTransferInProgress) {
		t.Errorf("second push = %v, want transfer_in_progress", err)
	}
	_, err = sess.Call(ctx, &protocol.PushEnd{Bytes: 1}, testTimeout)
	if !session.IsCode(err, protocol.CodeNoTransfer) {
		t.Errorf("push_end from another call = %v, want no_transfer", err)
	}
}

// TestServiceErrorCode verifies that a service failing with a protocol
// error reports its code on the stream.
func TestServiceErrorCode(t *testing.T) {
	busy := ServiceFunc{"flash", func(context.Context, *Stream) error {
		return protocol.NewError("device_busy", "fixture is in use")
	}}
	server := newTestServer(t, busy)
	sess, _, _ := connect(t, server)
	pair(t, sess)

	stream, err := sess.OpenStream(&protocol.OpenService{Service: "flash"}, session.StreamHandlers{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = stream.Wait(ctx)
	var remote *session.RemoteError
	if !errors.As(err, &remote) || remote.Code != "device_busy" || remote.Message != "fixture is in use" {
		t.Errorf("stream error = %v, want device_busy", err)
	}
}

// TestServeTransportPeerClose verifies that a peer hanging up ends
// ServeTransport cleanly and deregisters the connection.
func TestServeTransportPeerClose(t *testing.T) {
	server := newTestServer(t)
	sess, _, served := connect(t, server)
	pair(t, sess)
	if server.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", server.ConnectionCount())
	}
	sess.Close()
	if err := testutil.RequireReceive(t, served, testTimeout, "ServeTransport did not return"); err != nil {
		t.Errorf("ServeTransport = %v, want nil", err)
	}
	if server.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount after close = %d, want 0", server.ConnectionCount())
	}
}

// TestExitCodeOf verifies exit code extraction for normal exits,
// signals, and commands that never started.
func TestExitCodeOf(t *testing.T) {
	if code, err := exitCodeOf(nil); code != 0 || err != nil {
		t.Errorf("nil = (%d, %v)", code, err)
	}
	code, err := exitCodeOf(exec.Command("/bin/sh", "-c", "exit 7").Run())
	if code != 7 || err != nil {
		t.Errorf("exit 7 = (%d, %v)", code, err)
	}
	code, err = exitCodeOf(exec.Command("/bin/sh", "-c", "kill -TERM $$").Run())
	if code != 128+15 || err != nil {
		t.Errorf("SIGTERM = (%d, %v), want 143", code, err)
	}
	if _, err := exitCodeOf(exec.Command("/nonexistent/binary").Run()); err == nil {
		t.Error("missing binary reported an exit code")
	}
}

// TestCappedBuffer verifies that output beyond the cap is dropped
// without failing the writer.
func TestCappedBuffer(t *testing.T) {
	buffer := cappedBuffer{limit: 5}
	for _, chunk := range []string{"abc", "defg", "hij"} {
		if n, err := buffer.Write([]byte(chunk)); n != len(chunk) || err != nil {
			t.Fatalf("Write(%q) = (%d, %v)", chunk, n, err)
		}
	}
	if got := string(buffer.Bytes()); got != "abcde" {
		t.Errorf("Bytes = %q, want abcde", got)
	}
}

// TestPushAbortAndStalePush verifies that push_abort frees the upload
// slot and that a push idle past pushIdleTimeout is replaced by the
// next push_begin, with no staging files left behind.
func TestPushAbortAndStalePush(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	fileRoot := t.TempDir()
	server, err := New(Config{
		Name:     "bench-pi",
		FileRoot: fileRoot,
		Store:    pairing.NewMemoryStore(),
		Approver: handshake.AutoApprove,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, _, _ := connect(t, server)
	pair(t, sess)
	ctx := context.Background()

	begin := func(callID, remote string) error {
		_, err := sess.Call(ctx, &protocol.PushBegin{Call: protocol.Call{CallID: callID}, RemotePath: remote, Size: 1}, testTimeout)
		return err
	}

	if err := begin("p1", "first.bin"); err != nil {
		t.Fatalf("push_begin p1: %v", err)
	}
	if err := sess.Send(&protocol.PushAbort{Call: protocol.Call{CallID: "p1"}, Reason: "cancelled"}); err != nil {
		t.Fatalf("Send push_abort: %v", err)
	}
	if err := begin("p2", "second.bin"); err != nil {
		t.Fatalf("push_begin after abort: %v", err)
	}

	// An abort from a call that does not own the upload changes nothing.
	sess.Send(&protocol.PushAbort{Call: protocol.Call{CallID: "p1"}})
	if err := begin("p3", "third.bin"); !session.IsCode(err, protocol.CodeTransferInProgress) {
		t.Fatalf("push_begin while p2 active = %v, want transfer_in_progress", err)
	}

	fake.Advance(pushIdleTimeout)
	if err := begin("p4", "fourth.bin"); err != nil {
		t.Fatalf("push_begin after p2 went idle: %v", err)
	}
	_, err = sess.Call(ctx, &protocol.PushChunk{Call: protocol.Call{CallID: "p2"}, Payload: []byte("x"), RawSize: 1}, testTimeout)
	if !session.IsCode(err, protocol.CodeNoTransfer) {
		t.Errorf("chunk for replaced push = %v, want no_transfer", err)
	}

	entries, err := os.ReadDir(fileRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Errorf("file root holds %v, want only the staging file of the active push", names)
	}
}

// TestStalledStreamIsolated verifies that a service which never reads
// its input neither blocks other traffic on the connection nor
// survives overflowing its input queue.
func TestStalledStreamIsolated(t *testing.T) {
	stalled := ServiceFunc{"stall", func(ctx context.Context, _ *Stream) error {
		<-ctx.Done()
		return nil
	}}
	server := newTestServer(t, stalled)
	sess, _, _ := connect(t, server)
	pair(t, sess)

	stream, err := sess.OpenStream(&protocol.OpenService{Service: "stall"}, session.StreamHandlers{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	block := make([]byte, 32<<10)
	for range maxQueuedInput/len(block) + 8 {
		if _, err := stream.Write(block); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = stream.Wait(ctx)
	var remote *session.RemoteError
	if !errors.As(err, &remote) || remote.Code != protocol.CodeStreamOverflow {
		t.Fatalf("stalled stream ended with %v, want stream_overflow", err)
	}

	reply, err := sess.Call(ctx, &protocol.Status{}, 2*time.Second)
	if err != nil {
		t.Fatalf("status after overflow: %v", err)
	}
	if _, ok := reply.(*protocol.StatusResult); !ok {
		t.Errorf("status reply = %T", reply)
	}
}

// TestInputQueue verifies ordering, the byte limit, and that close
// still delivers what was queued.
func TestInputQueue(t *testing.T) {
	queue := newInputQueue(8)
	if !queue.push([]byte("abc")) || !queue.push([]byte("defgh")) {
		t.Fatal("push within the limit failed")
	}
	if queue.push([]byte("i")) {
		t.Fatal("push beyond the limit succeeded")
	}
	queue.close()
	ctx := context.Background()
	for _, want := range []string{"abc", "defgh"} {
		payload, ok := queue.next(ctx)
		if !ok || string(payload) != want {
			t.Fatalf("next = (%q, %v), want (%q, true)", payload, ok, want)
		}
	}
	if _, ok := queue.next(ctx); ok {
		t.Error("next after drain reported more input")
	}
	if !queue.push([]byte("late")) {
		t.Error("push after close reported overflow")
	}
}

// TestUnpairCancelsWork verifies that losing authentication ends a
// one-shot exec started while authenticated.
func TestUnpairCancelsWork(t *testing.T) {
	server := newTestServer(t)
	sess, _, _ := connect(t, server)
	pair(t, sess)
	ctx := context.Background()

	running, err := sess.Subscribe("long")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer running.Close()
	sess.Send(&protocol.Exec{Call: protocol.Call{CallID: "long"}, Command: "sleep", Args: []string{"30"}})
	time.Sleep(100 * time.Millisecond)

	if _, err := sess.Call(ctx, &protocol.UnpairRequest{Scope: protocol.UnpairSelf}, testTimeout); err != nil {
		t.Fatalf("unpair: %v", err)
	}
	reply, err := running.Next(ctx, testTimeout)
	if err != nil {
		t.Fatalf("waiting for exec_result: %v", err)
	}
	switch result := reply.(type) {
	case *protocol.ExecResult:
		if result.ExitCode != 128+9 {
			t.Errorf("exit code = %d, want 137 (killed)", result.ExitCode)
		}
	case *protocol.Error:
		// The command had not started when authentication was lost.
		if result.Code != protocol.CodeExecFailed {
			t.Errorf("exec error = %v, want exec_failed", result)
		}
	default:
		t.Fatalf("reply = %T, want exec_result", reply)
	}
}

// TestTeardownDuringPush verifies that cancelling the agent while
// chunks are arriving discards the upload and ends the connection.
func TestTeardownDuringPush(t *testing.T) {
	fileRoot := t.TempDir()
	server, err := New(Config{
		Name:     "bench-pi",
		FileRoot: fileRoot,
		Store:    pairing.NewMemoryStore(),
		Approver: handshake.AutoApprove,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controllerEnd, agentEnd := transport.Pipe()
	served := make(chan error, 1)
	go func() { served <- server.ServeTransport(ctx, agentEnd) }()
	sess := session.New(controllerEnd, session.Config{})
	defer sess.Destroy()
	pair(t, sess)

	begin := &protocol.PushBegin{Call: protocol.Call{CallID: "p1"}, RemotePath: "big.bin", Size: 64 << 20}
	if _, err := sess.Call(context.Background(), begin, testTimeout); err != nil {
		t.Fatalf("push_begin: %v", err)
	}
	chunk := testutil.RandomBytes(3, 32<<10)
	go func() {
		for {
			err := sess.Send(&protocol.PushChunk{Call: protocol.Call{CallID: "p1"}, Payload: chunk, RawSize: len(chunk)})
			if err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	testutil.RequireReceive(t, served, testTimeout, "ServeTransport did not return")
	entries, _ := os.ReadDir(fileRoot)
	if len(entries) != 0 {
		t.Errorf("teardown left %d entries in the file root", len(entries))
	}
}
