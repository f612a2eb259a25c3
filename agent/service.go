// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/version"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
)

// Service handles streams opened by name with open_service.
type Service interface {
	Name() string

	// Serve runs for the life of one stream. Returning nil closes the
	// stream normally unless Serve already closed it; returning an
	// error fails it with a service_error. ctx ends when the peer
	// fails the stream or the connection goes away.
	Serve(ctx context.Context, stream *Stream) error
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc struct {
	ServiceName string
	Func        func(ctx context.Context, stream *Stream) error
}

// Name returns the service name.
func (f ServiceFunc) Name() string { return f.ServiceName }

// Serve calls Func.
func (f ServiceFunc) Serve(ctx context.Context, stream *Stream) error { return f.Func(ctx, stream) }

// WindowSize is a terminal size reported with stream_resize.
type WindowSize struct {
	Cols uint16
	Rows uint16
}

// maxQueuedInput bounds the input bytes a stream may hold before its
// service reads them. A stream that exceeds it fails with
// stream_overflow; other streams on the connection are unaffected.
const maxQueuedInput = 1 << 20

// Stream is the agent's end of a service stream.
type Stream struct {
	*session.Stream

	// Request is the open_service that created the stream.
	Request *protocol.OpenService

	input   *inputQueue
	resizes chan WindowSize
	ctx     context.Context
	cancel  context.CancelFunc
}

// ReadInput returns the next stream_data payload from the controller.
// ok is false once the controller has ended its input on the eof
// channel or closed the stream, or when ctx ends.
func (s *Stream) ReadInput(ctx context.Context) (payload []byte, ok bool) {
	return s.input.next(ctx)
}

// Resizes yields the latest terminal size after each stream_resize.
// Sizes the service has not consumed are replaced by newer ones.
func (s *Stream) Resizes() <-chan WindowSize { return s.resizes }

// Option returns a service option, or fallback when unset.
func (s *Stream) Option(name, fallback string) string {
	if value, ok := s.Request.Options[name]; ok {
		return value
	}
	return fallback
}

// inputQueue buffers input between the session's reader goroutine,
// which must never block on a service, and the service.
type inputQueue struct {
	mu      sync.Mutex
	pending [][]byte
	bytes   int
	limit   int
	closed  bool
	ready   chan struct{}
}

func newInputQueue(limit int) *inputQueue {
	return &inputQueue{limit: limit, ready: make(chan struct{}, 1)}
}

// push queues payload, reporting false when it would exceed the limit.
// Input after close is dropped.
func (q *inputQueue) push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if q.bytes+len(payload) > q.limit {
		return false
	}
	q.pending = append(q.pending, payload)
	q.bytes += len(payload)
	q.wake()
	return true
}

func (q *inputQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
}

func (q *inputQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next returns queued payloads in order, then reports !ok once the
// queue is closed and drained.
func (q *inputQueue) next(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			payload := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.bytes -= len(payload)
			q.mu.Unlock()
			return payload, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func acceptStream(ctx context.Context, sess *session.Session, request *protocol.OpenService, logger *slog.Logger) (*Stream, error) {
	serviceContext, cancel := context.WithCancel(ctx)
	stream := &Stream{
		Request: request,
		input:   newInputQueue(maxQueuedInput),
		resizes: make(chan WindowSize, 1),
		ctx:     serviceContext,
		cancel:  cancel,
	}
	// Handlers run on the session's reader goroutine and must not
	// block: one slow service would stall every stream and call on the
	// connection. OnError can also run from teardown.
	accepted, err := sess.Accept(request, session.StreamHandlers{
		OnData: func(channel string, payload []byte) {
			if channel == protocol.ChannelEOF {
				stream.input.close()
				return
			}
			if stream.input.push(payload) {
				return
			}
			logger.Warn("stream input overflow", "service", request.Service, "stream_id", request.StreamID,
				"limit", maxQueuedInput)
			stream.input.close()
			stream.Fail(protocol.CodeStreamOverflow,
				fmt.Sprintf("more than %d bytes of input queued for %s", maxQueuedInput, request.Service))
			cancel()
		},
		OnResize: func(cols, rows uint16) {
			select {
			case <-stream.resizes:
			default:
			}
			select {
			case stream.resizes <- WindowSize{Cols: cols, Rows: rows}:
			default:
			}
		},
		OnClose: func(*int, string) { stream.input.close() },
		OnError: func(error) {
			stream.input.close()
			cancel()
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	stream.Stream = accepted
	if request.Cols > 0 && request.Rows > 0 {
		stream.resizes <- WindowSize{Cols: request.Cols, Rows: request.Rows}
	}
	return stream, nil
}

// runService runs service on stream and closes the stream according to
// the result.
func runService(logger *slog.Logger, service Service, stream *Stream) {
	defer stream.cancel()
	err := service.Serve(stream.ctx, stream)
	if stream.State() == session.StreamClosed {
		return
	}
	if err != nil {
		code, message := protocol.CodeInternal, err.Error()
		var protocolError *protocol.Error
		if errors.As(err, &protocolError) {
			code, message = protocolError.Code, protocolError.Message
		}
		logger.Info("service failed", "service", service.Name(), "stream_id", stream.ID(), "error", err)
		stream.Fail(code, message)
		return
	}
	stream.Close()
}

func builtinServices(s *Server) []Service {
	return []Service{
		ServiceFunc{protocol.ServiceCapabilities, s.serveCapabilities},
		ServiceFunc{protocol.ServiceInfo, s.serveInfo},
		ServiceFunc{protocol.ServicePing, servePing},
		ServiceFunc{ServiceEcho, serveEcho},
		ServiceFunc{ServiceExec, s.serveExec},
	}
}

// Names of the built-in authenticated services.
const (
	ServiceEcho = "echo"
	ServiceExec = "exec"
)

// Capabilities is the document served by the capabilities service.
type Capabilities struct {
	ProtocolVersion int      `json:"protocolVersion"`
	Services        []string `json:"services"`
	PreAuthServices []string `json:"preAuthServices"`
	FileTransfer    bool     `json:"fileTransfer"`
	Compression     []string `json:"compression,omitempty"`
}

func (s *Server) serveCapabilities(_ context.Context, stream *Stream) error {
	capabilities := Capabilities{
		ProtocolVersion: protocol.ProtocolVersion,
		Services:        s.ServiceNames(),
		PreAuthServices: []string{protocol.ServiceCapabilities, protocol.ServiceInfo, protocol.ServicePing},
		FileTransfer:    s.sandbox.Root() != "",
	}
	if capabilities.FileTransfer {
		capabilities.Compression = []string{
			string(protocol.CompressionNone), string(protocol.CompressionLZ4), string(protocol.CompressionZstd),
		}
	}
	return writeJSON(stream, capabilities)
}

// Info is the document served by the info service.
type Info struct {
	Name            string `json:"name"`
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os"`
	Arch            string `json:"arch"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocolVersion"`
	UptimeMs        int64  `json:"uptimeMs"`
}

func (s *Server) serveInfo(_ context.Context, stream *Stream) error {
	return writeJSON(stream, Info{
		Name:            s.config.Name,
		Hostname:        s.hostname,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		Version:         version.Short(),
		ProtocolVersion: protocol.ProtocolVersion,
		UptimeMs:        clock.Since(s.config.Clock, s.started).Milliseconds(),
	})
}

func servePing(_ context.Context, stream *Stream) error {
	_, err := stream.Write([]byte("pong"))
	return err
}

// serveEcho writes every input payload back until the controller
// closes the stream.
func serveEcho(ctx context.Context, stream *Stream) error {
	for {
		payload, ok := stream.ReadInput(ctx)
		if !ok {
			return nil
		}
		if _, err := stream.Write(payload); err != nil {
			return err
		}
	}
}

func writeJSON(stream *Stream, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
