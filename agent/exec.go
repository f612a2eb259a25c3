// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/protocol"
)

// maxCapturedOutput caps each of stdout and stderr in an exec_result.
// Output beyond the cap is discarded.
const maxCapturedOutput = 2 << 20

// waitDelay bounds how long a killed command's output pipes may stay
// open.
const waitDelay = 2 * time.Second

// exec runs a one-shot command on a worker goroutine and replies with
// its real exit code.
func (c *connection) exec(ctx context.Context, request *protocol.Exec) {
	timeout := c.server.config.MaxExecTimeout
	if request.TimeoutMs > 0 {
		timeout = min(time.Duration(request.TimeoutMs)*time.Millisecond, timeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := c.server.command(ctx, request.Command, request.Args, request.Shell, request.Dir, request.Env)
	if err != nil {
		c.replyError(request, protocol.CodeInvalidRequest, "%v", err)
		return
	}
	var stdout, stderr cappedBuffer
	stdout.limit, stderr.limit = maxCapturedOutput, maxCapturedOutput
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	start := c.server.config.Clock.Now()
	runErr := cmd.Run()
	elapsed := clock.Since(c.server.config.Clock, start)

	exitCode, err := exitCodeOf(runErr)
	if err != nil {
		c.logger.Info("exec failed to start", "command", request.Command, "error", err)
		c.replyError(request, protocol.CodeExecFailed, "starting %s: %v", request.Command, err)
		return
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	c.logger.Info("exec finished", "command", request.Command, "exit_code", exitCode,
		"duration", elapsed, "timed_out", timedOut)
	c.reply(request, &protocol.ExecResult{
		ExitCode:   exitCode,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMs: elapsed.Milliseconds(),
		TimedOut:   timedOut,
	})
}

// command builds the process for an exec request. With shell set the
// command line runs under the configured shell and args are ignored.
func (s *Server) command(ctx context.Context, command string, args []string, shell bool, dir string, env map[string]string) (*exec.Cmd, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is empty")
	}
	var cmd *exec.Cmd
	if shell {
		cmd = exec.CommandContext(ctx, s.config.Shell, "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, command, args...)
	}
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(env) > 0 {
		environment := cmd.Environ()
		for _, key := range slices.Sorted(maps.Keys(env)) {
			if key == "" || strings.ContainsAny(key, "=\x00") {
				return nil, fmt.Errorf("invalid environment variable name %q", key)
			}
			environment = append(environment, key+"="+env[key])
		}
		cmd.Env = environment
	}
	return cmd, nil
}

// exitCodeOf extracts the exit code from the result of Run or Wait. A
// command killed by a signal reports 128 plus the signal number, the
// way shells do. A non-nil error means the command never ran.
func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		return -1, err
	}
	if status, ok := exitError.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitError.ExitCode(), nil
}

// cappedBuffer keeps the first limit bytes written and silently drops
// the rest, so a chatty command never blocks on a full pipe.
type cappedBuffer struct {
	data  []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.data); room > 0 {
		b.data = append(b.data, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

// Bytes returns the captured output, empty but non-nil when the command
// wrote nothing.
func (b *cappedBuffer) Bytes() []byte {
	if b.data == nil {
		return []byte{}
	}
	return b.data
}

// serveExec runs an interactive command over a stream. Args holds the
// argv, or a single command line when the "shell" option is "true".
// Output goes out on the "stdout" and "stderr" channels, input feeds
// stdin, and the exit code closes the stream.
func (s *Server) serveExec(ctx context.Context, stream *Stream) error {
	args := stream.Request.Args
	if len(args) == 0 {
		return protocol.NewError(protocol.CodeInvalidRequest, "exec requires a command")
	}
	shell := stream.Option("shell", "") == "true"
	env := make(map[string]string)
	for key, value := range stream.Request.Options {
		if name, ok := strings.CutPrefix(key, "env."); ok {
			env[name] = value
		}
	}
	// Once the controller closes the stream nothing more can be
	// delivered, so the process gets waitDelay to exit on its own.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.Done():
			select {
			case <-s.config.Clock.After(waitDelay):
				cancel()
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()

	var (
		cmd *exec.Cmd
		err error
	)
	if shell {
		cmd, err = s.command(ctx, strings.Join(args, " "), nil, true, stream.Option("cwd", ""), env)
	} else {
		cmd, err = s.command(ctx, args[0], args[1:], false, stream.Option("cwd", ""), env)
	}
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidRequest, "%v", err)
	}
	cmd.Stdout = channelWriter{stream, protocol.ChannelStdout}
	cmd.Stderr = channelWriter{stream, protocol.ChannelStderr}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return protocol.NewError(protocol.CodeExecFailed, "starting %s: %v", args[0], err)
	}
	go feedStdin(ctx, stream, stdin)

	exitCode, err := exitCodeOf(cmd.Wait())
	if err != nil {
		return protocol.NewError(protocol.CodeExecFailed, "%v", err)
	}
	return stream.CloseWithExitCode(exitCode)
}

// feedStdin copies stream input to the process until the controller
// ends its input.
func feedStdin(ctx context.Context, stream *Stream, stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		payload, ok := stream.ReadInput(ctx)
		if !ok {
			return
		}
		if _, err := stdin.Write(payload); err != nil {
			return
		}
	}
}

type channelWriter struct {
	stream  *Stream
	channel string
}

func (w channelWriter) Write(p []byte) (int, error) {
	if err := w.stream.WriteChannel(w.channel, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
