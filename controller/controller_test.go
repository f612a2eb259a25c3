// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/devbridge/agent"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/handshake"
	"github.com/bureau-foundation/devbridge/lib/identity"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/lib/testutil"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transfer"
	"github.com/bureau-foundation/devbridge/transport"
)

const testTimeout = 10 * time.Second

type bench struct {
	server   *agent.Server
	store    *pairing.MemoryStore
	fileRoot string
	ctx      context.Context
}

// newBench starts an agent with an in-memory pairing store and a
// temporary file root.
func newBench(t *testing.T, approver handshake.Approver) *bench {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := &bench{
		store:    pairing.NewMemoryStore(),
		fileRoot: t.TempDir(),
		ctx:      ctx,
	}
	server, err := agent.New(agent.Config{
		Name:     "bench-pi",
		FileRoot: b.fileRoot,
		Store:    b.store,
		Approver: approver,
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	b.server = server
	return b
}

// dial connects a new controller over an in-memory pipe.
func (b *bench) dial(t *testing.T, id *identity.Identity) *controller.Client {
	t.Helper()
	controllerEnd, agentEnd := transport.Pipe()
	go b.server.ServeTransport(b.ctx, agentEnd)
	ctx, cancel := context.WithTimeout(b.ctx, testTimeout)
	defer cancel()
	client, err := controller.Dial(ctx, controllerEnd, id, controller.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(name)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// paired returns a client that has paired and is authenticated.
func (b *bench) paired(t *testing.T, name string) (*controller.Client, *identity.Identity) {
	t.Helper()
	id := newIdentity(t, name)
	client := b.dial(t, id)
	if err := client.Pair(testContext(t), ""); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	return client, id
}

// TestPairThenAuthenticate verifies that a fresh identity is told it is
// unpaired, can pair, and on a later connection authenticates through
// the challenge without pairing again.
func TestPairThenAuthenticate(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	id := newIdentity(t, "laptop")

	first := b.dial(t, id)
	if first.State() != controller.StateUnpaired {
		t.Fatalf("state after hello = %s, want unpaired", first.State())
	}
	if first.AgentName() != "bench-pi" {
		t.Errorf("AgentName = %q, want bench-pi", first.AgentName())
	}
	if err := first.Connect(ctx, false); !errors.Is(err, controller.ErrNotPaired) {
		t.Fatalf("Connect without pairing = %v, want ErrNotPaired", err)
	}
	if err := first.Connect(ctx, true); err != nil {
		t.Fatalf("Connect with pairing: %v", err)
	}
	if first.State() != controller.StateAuthenticated {
		t.Fatalf("state after pairing = %s, want authenticated", first.State())
	}
	if first.Fingerprint() != id.Fingerprint() {
		t.Errorf("Fingerprint = %q, want %q", first.Fingerprint(), id.Fingerprint())
	}
	status, err := first.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.AgentName != "bench-pi" || status.PairedCount != 1 || status.ProtocolVersion != protocol.ProtocolVersion {
		t.Errorf("status = %+v", status)
	}
	first.Close()

	second := b.dial(t, id)
	if second.State() != controller.StateChallenged {
		t.Fatalf("state on reconnect = %s, want challenged", second.State())
	}
	if err := second.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := second.Status(ctx); err != nil {
		t.Fatalf("Status after authenticate: %v", err)
	}
}

// TestPairDenied verifies that a refused pairing leaves the connection
// unauthenticated.
func TestPairDenied(t *testing.T) {
	b := newBench(t, handshake.DenyAll)
	ctx := testContext(t)
	client := b.dial(t, newIdentity(t, "laptop"))

	if err := client.Pair(ctx, "laptop"); !errors.Is(err, controller.ErrPairDenied) {
		t.Fatalf("Pair = %v, want ErrPairDenied", err)
	}
	if client.State() != controller.StateUnpaired {
		t.Errorf("state = %s, want unpaired", client.State())
	}
	if _, err := client.Status(ctx); !controller.IsCode(err, protocol.CodeAuthRequired) {
		t.Errorf("Status after denial = %v, want auth_required", err)
	}
	records, _ := b.store.List(ctx)
	if len(records) != 0 {
		t.Errorf("store holds %d records after denial", len(records))
	}
}

// TestUnauthenticatedGating verifies that only the handshake and the
// pre-authentication services work before authentication.
func TestUnauthenticatedGating(t *testing.T) {
	b := newBench(t, handshake.DenyAll)
	ctx := testContext(t)
	client := b.dial(t, newIdentity(t, "laptop"))

	if _, err := client.Exec(ctx, controller.ExecRequest{Command: "true"}); !controller.IsCode(err, protocol.CodeAuthRequired) {
		t.Errorf("Exec before auth = %v, want auth_required", err)
	}
	if _, err := client.ListPaired(ctx); !controller.IsCode(err, protocol.CodeAuthRequired) {
		t.Errorf("ListPaired before auth = %v, want auth_required", err)
	}
	if _, err := client.Collect(ctx, controller.ServiceRequest{Service: agent.ServiceEcho}, []byte("x")); !controller.IsCode(err, protocol.CodeAuthRequired) {
		t.Errorf("echo before auth = %v, want auth_required", err)
	}

	inspect := client.Inspect(ctx)
	if len(inspect.Errors) != 0 {
		t.Fatalf("inspect errors: %v", inspect.Errors)
	}
	if !inspect.Ping {
		t.Error("ping did not answer pong")
	}
	var capabilities agent.Capabilities
	if err := json.Unmarshal(inspect.Capabilities, &capabilities); err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if capabilities.ProtocolVersion != protocol.ProtocolVersion || !capabilities.FileTransfer {
		t.Errorf("capabilities = %+v", capabilities)
	}
	var info agent.Info
	if err := json.Unmarshal(inspect.Info, &info); err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Name != "bench-pi" {
		t.Errorf("info name = %q, want bench-pi", info.Name)
	}
}

// TestExec verifies that exec reports the command's real exit code and
// output.
func TestExec(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	client, _ := b.paired(t, "laptop")

	result, err := client.Exec(ctx, controller.ExecRequest{
		Command: `echo "$GREETING"; echo oops >&2; exit 3`,
		Shell:   true,
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if string(result.Stdout) != "hello\n" || string(result.Stderr) != "oops\n" {
		t.Errorf("stdout = %q, stderr = %q", result.Stdout, result.Stderr)
	}

	dir := t.TempDir()
	result, err = client.Exec(ctx, controller.ExecRequest{Command: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Exec pwd: %v", err)
	}
	if result.ExitCode != 0 || strings.TrimSpace(string(result.Stdout)) != dir {
		t.Errorf("pwd = %q (exit %d), want %q", result.Stdout, result.ExitCode, dir)
	}

	_, err = client.Exec(ctx, controller.ExecRequest{Command: "/nonexistent/devbridge-test-binary"})
	if !controller.IsCode(err, protocol.CodeExecFailed) {
		t.Errorf("missing binary = %v, want exec_failed", err)
	}
}

// TestExecTimeout verifies that a command exceeding its timeout is
// killed and reported as timed out.
func TestExecTimeout(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	client, _ := b.paired(t, "laptop")

	result, err := client.Exec(testContext(t), controller.ExecRequest{
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !result.TimedOut {
		t.Error("TimedOut not set")
	}
	if result.ExitCode == 0 {
		t.Error("killed command reported exit code 0")
	}
}

// TestPushPullRoundTrip verifies that a file pushed under the file root
// arrives intact and pulls back byte for byte, with and without
// compression.
func TestPushPullRoundTrip(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	client, _ := b.paired(t, "laptop")

	data := append(bytes.Repeat([]byte("firmware block "), 20_000), testutil.RandomBytes(7, 150_000)...)
	local := testutil.WriteFile(t, t.TempDir(), "image.bin", data)

	for _, compression := range []protocol.Compression{"", protocol.CompressionLZ4, protocol.CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			remote := "builds/" + string(compression) + "/image.bin"
			var progress int64
			pushed, err := client.Push(ctx, local, remote, controller.TransferOptions{
				Compression: compression,
				ChunkSize:   32 << 10,
				Progress:    func(n, _ int64) { progress = n },
			})
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			if pushed.Bytes != int64(len(data)) || pushed.Digest != transfer.Digest(data) {
				t.Errorf("push result = %+v", pushed)
			}
			if progress != int64(len(data)) {
				t.Errorf("final progress = %d, want %d", progress, len(data))
			}
			testutil.RequireFileContent(t, filepath.Join(b.fileRoot, "builds", string(compression), "image.bin"), data)

			pulledPath := filepath.Join(t.TempDir(), "copy.bin")
			pulled, err := client.Pull(ctx, remote, pulledPath, controller.TransferOptions{Compression: compression})
			if err != nil {
				t.Fatalf("Pull: %v", err)
			}
			if pulled.Digest != pushed.Digest {
				t.Errorf("pull digest %s != push digest %s", pulled.Digest, pushed.Digest)
			}
			testutil.RequireFileContent(t, pulledPath, data)
		})
	}
}

// TestTransferFailures verifies the error codes for rejected paths and
// missing files, and that failures leave no files behind on either
// side.
func TestTransferFailures(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	client, _ := b.paired(t, "laptop")
	local := testutil.WriteFile(t, t.TempDir(), "payload", []byte("payload"))

	for _, remote := range []string{"../escape", "/../escape", "a/../../escape"} {
		_, err := client.Push(ctx, local, remote, controller.TransferOptions{})
		if !controller.IsCode(err, protocol.CodeInvalidRemotePath) {
			t.Errorf("Push %q = %v, want invalid_remote_path", remote, err)
		}
	}
	testutil.RequireNotExist(t, filepath.Join(filepath.Dir(b.fileRoot), "escape"))

	pullDir := t.TempDir()
	_, err := client.Pull(ctx, "missing.bin", filepath.Join(pullDir, "missing.bin"), controller.TransferOptions{})
	if !controller.IsCode(err, protocol.CodeNotFound) {
		t.Errorf("Pull missing = %v, want not_found", err)
	}
	entries, _ := os.ReadDir(pullDir)
	if len(entries) != 0 {
		t.Errorf("failed pull left %d entries in the destination directory", len(entries))
	}
}

// TestPushCancelReleasesAgent verifies that a push abandoned by the
// controller frees the agent for the next push on the same connection
// and leaves no staging file behind.
func TestPushCancelReleasesAgent(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	client, _ := b.paired(t, "laptop")
	data := testutil.RandomBytes(11, 40<<10)
	local := testutil.WriteFile(t, t.TempDir(), "first.bin", data)

	cancelled, cancel := context.WithCancel(testContext(t))
	defer cancel()
	_, err := client.Push(cancelled, local, "first.bin", controller.TransferOptions{
		ChunkSize: 1 << 10,
		Progress:  func(int64, int64) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Push = %v, want context.Canceled", err)
	}

	pushed, err := client.Push(testContext(t), local, "second.bin", controller.TransferOptions{})
	if err != nil {
		t.Fatalf("Push after cancel: %v", err)
	}
	if pushed.Bytes != int64(len(data)) {
		t.Errorf("second push wrote %d bytes, want %d", pushed.Bytes, len(data))
	}
	testutil.RequireNotExist(t, filepath.Join(b.fileRoot, "first.bin"))
	entries, err := os.ReadDir(b.fileRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "second.bin" {
			t.Errorf("unexpected entry %q left in the file root", entry.Name())
		}
	}
}

// TestServiceStreams verifies concurrent streams on one connection: an
// echo stream keeps working while the streaming exec service runs to
// completion with separate output channels and an exit code.
func TestServiceStreams(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	client, _ := b.paired(t, "laptop")

	echoed := make(chan string, 4)
	echo, err := client.OpenService(controller.ServiceRequest{Service: agent.ServiceEcho}, session.StreamHandlers{
		OnData: func(_ string, payload []byte) { echoed <- string(payload) },
	})
	if err != nil {
		t.Fatalf("OpenService echo: %v", err)
	}

	output, err := client.Collect(ctx, controller.ServiceRequest{
		Service: agent.ServiceExec,
		Args:    []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 4"},
	}, nil)
	if err != nil {
		t.Fatalf("exec service: %v", err)
	}
	if string(output.Channels["stdout"]) != "out\n" || string(output.Channels["stderr"]) != "err\n" {
		t.Errorf("channels = %q", output.Channels)
	}
	if output.ExitCode == nil || *output.ExitCode != 4 {
		t.Errorf("exit code = %v, want 4", output.ExitCode)
	}

	if _, err := echo.Write([]byte("still here")); err != nil {
		t.Fatalf("echo Write: %v", err)
	}
	if got := testutil.RequireReceive(t, echoed, testTimeout, "echo reply"); got != "still here" {
		t.Errorf("echo = %q", got)
	}
	echo.Close()

	_, err = client.Collect(ctx, controller.ServiceRequest{Service: "no-such-service"}, nil)
	if !controller.IsCode(err, protocol.CodeUnknownService) {
		t.Errorf("unknown service = %v, want unknown_service", err)
	}

	// End of input lets input-driven services finish on their own.
	roundTrip, err := client.Collect(ctx, controller.ServiceRequest{Service: agent.ServiceEcho}, []byte("round trip"))
	if err != nil {
		t.Fatalf("echo Collect: %v", err)
	}
	if string(roundTrip.Output()) != "round trip" {
		t.Errorf("echo output = %q", roundTrip.Output())
	}
	cat, err := client.Collect(ctx, controller.ServiceRequest{
		Service: agent.ServiceExec,
		Args:    []string{"cat"},
	}, []byte("piped\n"))
	if err != nil {
		t.Fatalf("exec cat: %v", err)
	}
	if string(cat.Channels[protocol.ChannelStdout]) != "piped\n" {
		t.Errorf("cat stdout = %q", cat.Channels[protocol.ChannelStdout])
	}
	if cat.ExitCode == nil || *cat.ExitCode != 0 {
		t.Errorf("cat exit code = %v, want 0", cat.ExitCode)
	}
}

// TestListAndUnpair verifies listing pairings and the demotion rules of
// each unpair scope.
func TestListAndUnpair(t *testing.T) {
	b := newBench(t, handshake.AutoApprove)
	ctx := testContext(t)
	alice, aliceID := b.paired(t, "alice")
	_, bobID := b.paired(t, "bob")

	peers, err := alice.ListPaired(ctx)
	if err != nil {
		t.Fatalf("ListPaired: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("listed %d peers, want 2", len(peers))
	}

	removed, err := alice.Unpair(ctx, protocol.UnpairFingerprint, bobID.Fingerprint())
	if err != nil {
		t.Fatalf("Unpair bob: %v", err)
	}
	if removed.Removed != 1 || alice.State() != controller.StateAuthenticated {
		t.Errorf("unpair other: removed %d, state %s", removed.Removed, alice.State())
	}

	if _, err := alice.Unpair(ctx, protocol.UnpairSelf, ""); err != nil {
		t.Fatalf("Unpair self: %v", err)
	}
	if alice.State() != controller.StateUnpaired {
		t.Errorf("state after unpairing self = %s", alice.State())
	}
	if _, err := alice.Status(ctx); !controller.IsCode(err, protocol.CodeAuthRequired) {
		t.Errorf("Status after unpair = %v, want auth_required", err)
	}
	if _, found, _ := b.store.Get(ctx, aliceID.Fingerprint()); found {
		t.Error("alice's record survived unpair")
	}
}
