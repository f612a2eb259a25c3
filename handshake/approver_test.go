// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/devbridge/lib/testutil"
)

// promptWriter records output and signals each time a prompt is shown.
type promptWriter struct {
	mu      sync.Mutex
	buffer  bytes.Buffer
	prompts chan struct{}
}

func (w *promptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buffer.Write(p)
	w.mu.Unlock()
	if strings.Contains(string(p), "[y/N]") {
		w.prompts <- struct{}{}
	}
	return len(p), nil
}

type approval struct {
	approved bool
	err      error
}

func startApprove(ctx context.Context, approver *TerminalApprover, request PairingRequest) <-chan approval {
	result := make(chan approval, 1)
	go func() {
		approved, err := approver.Approve(ctx, request)
		result <- approval{approved, err}
	}()
	return result
}

// TestTerminalApproverAfterTimeout verifies that a timed-out prompt
// leaves the input to later prompts, which see exactly the operator's
// answers to them.
func TestTerminalApproverAfterTimeout(t *testing.T) {
	input, operator := io.Pipe()
	defer operator.Close()
	out := &promptWriter{prompts: make(chan struct{}, 4)}
	approver := &TerminalApprover{In: input, Out: out}
	request := PairingRequest{Fingerprint: "0123456789abcdef", DisplayName: "laptop"}

	expired, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	first := testutil.RequireReceive(t, startApprove(expired, approver, request), 5*time.Second, "first prompt did not time out")
	if first.approved || !errors.Is(first.err, context.DeadlineExceeded) {
		t.Fatalf("first prompt = %+v, want deadline exceeded", first)
	}
	testutil.RequireReceive(t, out.prompts, 5*time.Second, "first prompt not shown")

	for _, test := range []struct {
		answer string
		want   bool
	}{
		{"y", true},
		{"no", false},
		{"YES", true},
	} {
		pending := startApprove(context.Background(), approver, request)
		testutil.RequireReceive(t, out.prompts, 5*time.Second, "prompt not shown")
		if _, err := io.WriteString(operator, test.answer+"\n"); err != nil {
			t.Fatalf("writing answer: %v", err)
		}
		got := testutil.RequireReceive(t, pending, 5*time.Second, "prompt not answered")
		if got.err != nil || got.approved != test.want {
			t.Errorf("answer %q = %+v, want approved=%v", test.answer, got, test.want)
		}
	}

	operator.Close()
	closed := testutil.RequireReceive(t, startApprove(context.Background(), approver, request), 5*time.Second,
		"prompt did not end with the input")
	if closed.approved || !errors.Is(closed.err, io.EOF) {
		t.Errorf("prompt after input closed = %+v, want io.EOF", closed)
	}
}
