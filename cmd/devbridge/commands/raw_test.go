// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/devbridge/protocol"
)

// TestParseRawMessages verifies JSONC handling and array input.
func TestParseRawMessages(t *testing.T) {
	messages, err := parseRawMessages([]byte(`
		// Ask who the agent is, then run something.
		[
			{"type": "status"},
			{
				"type": "exec",
				"command": "uname", /* argv form */
				"args": ["-a",],
			},
		]`))
	if err != nil {
		t.Fatalf("parseRawMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if _, ok := messages[0].(*protocol.Status); !ok {
		t.Errorf("message 0 = %T, want *protocol.Status", messages[0])
	}
	exec, ok := messages[1].(*protocol.Exec)
	if !ok {
		t.Fatalf("message 1 = %T, want *protocol.Exec", messages[1])
	}
	if exec.Command != "uname" || len(exec.Args) != 1 || exec.Args[0] != "-a" {
		t.Errorf("exec = %+v", exec)
	}

	single, err := parseRawMessages([]byte(`{"type": "hello", "protocolVersion": 1, /* trailing */}`))
	if err != nil {
		t.Fatalf("parseRawMessages single: %v", err)
	}
	if hello, ok := single[0].(*protocol.Hello); !ok || hello.ProtocolVersion != 1 {
		t.Errorf("single = %#v", single[0])
	}
}

func TestParseRawMessagesErrors(t *testing.T) {
	if _, err := parseRawMessages([]byte("  // nothing here\n")); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := parseRawMessages([]byte(`{"type": "reboot"}`)); !errors.Is(err, protocol.ErrUnknownType) {
		t.Errorf("unknown type error = %v, want ErrUnknownType", err)
	}
	if _, err := parseRawMessages([]byte(`[{"type": "status"}, 7]`)); err == nil {
		t.Error("non-object array element accepted")
	}
}

func TestPrintMessage(t *testing.T) {
	var buffer bytes.Buffer
	if err := printMessage(&buffer, protocol.NewError(protocol.CodeNotFound, "no such file")); err != nil {
		t.Fatalf("printMessage: %v", err)
	}
	output := buffer.String()
	if !strings.Contains(output, `"type": "error"`) || !strings.Contains(output, `"code": "not_found"`) {
		t.Errorf("output = %s", output)
	}
}
