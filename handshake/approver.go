// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PairingRequest describes a controller asking to be trusted.
type PairingRequest struct {
	Fingerprint string
	DisplayName string
	RemoteAddr  string
}

// Approver decides whether to pair a controller. Approve may block,
// for example while a person at the agent's console decides; it must
// return when ctx ends.
type Approver interface {
	Approve(ctx context.Context, request PairingRequest) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, request PairingRequest) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, request PairingRequest) (bool, error) {
	return f(ctx, request)
}

// AutoApprove approves every request. Suitable for bench setups where
// the physical link itself is the trust boundary.
var AutoApprove Approver = ApproverFunc(func(context.Context, PairingRequest) (bool, error) {
	return true, nil
})

// DenyAll refuses every request. Agents with a fixed pairing set use
// it to close pairing entirely.
var DenyAll Approver = ApproverFunc(func(context.Context, PairingRequest) (bool, error) {
	return false, nil
})

// ErrNoTerminal is returned by a TerminalApprover whose input is not
// an interactive terminal.
var ErrNoTerminal = errors.New("pairing approval needs an interactive terminal")

// TerminalApprover asks an operator on a terminal to approve each
// request. Prompts are serialized: concurrent requests wait their
// turn. One goroutine owns the input for the approver's lifetime, so
// a prompt that times out does not swallow the operator's next line.
type TerminalApprover struct {
	// In is the operator's input. Nil selects the process's stdin. An
	// *os.File must be an interactive terminal.
	In io.Reader
	// Out receives prompts. Nil selects the process's stderr.
	Out io.Writer

	mu        sync.Mutex
	startOnce sync.Once
	lines     chan string
}

// Approve prints the request and waits for a y/N answer. Anything
// other than "y" or "yes" denies. Lines typed while no prompt was
// showing are discarded.
func (a *TerminalApprover) Approve(ctx context.Context, request PairingRequest) (bool, error) {
	in := a.In
	if in == nil {
		in = os.Stdin
	}
	if file, ok := in.(*os.File); ok && !term.IsTerminal(int(file.Fd())) {
		return false, ErrNoTerminal
	}
	var out io.Writer = os.Stderr
	if a.Out != nil {
		out = a.Out
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.startOnce.Do(func() {
		a.lines = make(chan string)
		go readLines(in, a.lines)
	})
	a.discardPending()

	name := request.DisplayName
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(out, "\nPairing request from %s\n  fingerprint: %s\n", name, request.Fingerprint)
	if request.RemoteAddr != "" {
		fmt.Fprintf(out, "  from:        %s\n", request.RemoteAddr)
	}
	fmt.Fprint(out, "Approve? [y/N] ")

	select {
	case line, ok := <-a.lines:
		if !ok {
			return false, io.EOF
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	case <-ctx.Done():
		fmt.Fprintln(out, "\n(timed out)")
		return false, ctx.Err()
	}
}

// discardPending drops a line the reader finished while no prompt was
// waiting.
func (a *TerminalApprover) discardPending() {
	for {
		select {
		case _, ok := <-a.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// readLines sends each line of in until it ends, then closes lines.
func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}
