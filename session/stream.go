// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"

	"github.com/bureau-foundation/devbridge/protocol"
)

// StreamHandlers receive a stream's inbound events. Every handler runs
// on the session's reader goroutine, in arrival order. Nil handlers
// are skipped.
type StreamHandlers struct {
	// OnData receives each stream_data payload. Channel is empty for
	// services with a single output.
	OnData func(channel string, payload []byte)

	// OnResize receives stream_resize from the peer.
	OnResize func(cols, rows uint16)

	// OnClose runs when the peer closes the stream normally. exitCode
	// is set by services backed by a process.
	OnClose func(exitCode *int, reason string)

	// OnError runs when the peer fails the stream with service_error
	// or the connection is torn down while the stream is open.
	OnError func(err error)
}

// StreamState is the lifecycle state of a stream.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosed
)

func (state StreamState) String() string {
	if state == StreamOpen {
		return "open"
	}
	return "closed"
}

// Stream is one logical channel within a session.
type Stream struct {
	session  *Session
	id       uint32
	service  string
	handlers StreamHandlers

	mu       sync.Mutex
	state    StreamState
	err      error
	exitCode *int
	reason   string
	done     chan struct{}
}

func newStream(s *Session, id uint32, service string, handlers StreamHandlers) *Stream {
	return &Stream{
		session:  s,
		id:       id,
		service:  service,
		handlers: handlers,
		done:     make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (stream *Stream) ID() uint32 { return stream.id }

// Service returns the name of the service the stream is bound to.
func (stream *Stream) Service() string { return stream.service }

// State returns the stream's lifecycle state.
func (stream *Stream) State() StreamState {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.state
}

// Done is closed when the stream closes for any reason.
func (stream *Stream) Done() <-chan struct{} { return stream.done }

// Err returns why the stream ended: nil for a normal close, a
// *RemoteError for service_error, or the connection teardown error.
func (stream *Stream) Err() error {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.err
}

// Write sends payload as stream_data.
func (stream *Stream) Write(payload []byte) (int, error) {
	if err := stream.WriteChannel("", payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// WriteChannel sends payload as stream_data on a named channel such as
// "stdout" or "stderr".
func (stream *Stream) WriteChannel(channel string, payload []byte) error {
	if stream.State() != StreamOpen {
		return ErrStreamClosed
	}
	return stream.session.Send(&protocol.StreamData{
		StreamID: stream.id,
		Channel:  channel,
		Payload:  append(protocol.Bytes(nil), payload...),
	})
}

// CloseInput tells the peer that no more input follows. The stream
// stays open for the peer's output.
func (stream *Stream) CloseInput() error {
	return stream.WriteChannel(protocol.ChannelEOF, nil)
}

// Resize sends new terminal dimensions.
func (stream *Stream) Resize(cols, rows uint16) error {
	if stream.State() != StreamOpen {
		return ErrStreamClosed
	}
	return stream.session.Send(&protocol.StreamResize{StreamID: stream.id, Cols: cols, Rows: rows})
}

// Close ends the stream normally and tells the peer. Close on a closed
// stream is a no-op.
func (stream *Stream) Close() error {
	return stream.closeWith(&protocol.StreamClose{StreamID: stream.id})
}

// CloseWithExitCode ends the stream and reports a process exit code.
func (stream *Stream) CloseWithExitCode(exitCode int) error {
	return stream.closeWith(&protocol.StreamClose{StreamID: stream.id, ExitCode: &exitCode})
}

// Fail ends the stream abnormally with a service_error. Sibling
// streams are unaffected.
func (stream *Stream) Fail(code, message string) error {
	return stream.closeWith(&protocol.ServiceError{StreamID: stream.id, Code: code, Message: message})
}

func (stream *Stream) closeWith(msg protocol.StreamMessage) error {
	if !stream.markClosed(nil, nil, "") {
		return nil
	}
	stream.session.removeStream(stream)
	return stream.session.Send(msg)
}

// Wait blocks until the peer closes the stream and returns its exit
// code, or returns the stream's error.
func (stream *Stream) Wait(ctx context.Context) (*int, error) {
	select {
	case <-stream.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.exitCode, stream.err
}

// markClosed transitions to closed, reporting whether this call did
// the transition.
func (stream *Stream) markClosed(err error, exitCode *int, reason string) bool {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.state == StreamClosed {
		return false
	}
	stream.state = StreamClosed
	stream.err = err
	stream.exitCode = exitCode
	stream.reason = reason
	close(stream.done)
	return true
}

// finish closes the stream on behalf of the peer or the connection and
// runs the matching handler.
func (stream *Stream) finish(err error, exitCode *int, reason string) {
	if !stream.markClosed(err, exitCode, reason) {
		return
	}
	if err != nil {
		if stream.handlers.OnError != nil {
			stream.handlers.OnError(err)
		}
		return
	}
	if stream.handlers.OnClose != nil {
		stream.handlers.OnClose(exitCode, reason)
	}
}

func (stream *Stream) receiveData(msg *protocol.StreamData) {
	if stream.handlers.OnData != nil {
		stream.handlers.OnData(msg.Channel, msg.Payload)
	}
}

func (stream *Stream) receiveResize(msg *protocol.StreamResize) {
	if stream.handlers.OnResize != nil {
		stream.handlers.OnResize(msg.Cols, msg.Rows)
	}
}
