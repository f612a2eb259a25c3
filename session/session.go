// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/transport"
)

const (
	// DefaultCallTimeout bounds a one-shot call.
	DefaultCallTimeout = 10 * time.Second

	// DefaultWaitTimeout bounds Next and Expect.
	DefaultWaitTimeout = 30 * time.Second

	// maxQueued caps the default FIFO. The oldest message is dropped
	// when a peer floods unsolicited messages nobody reads.
	maxQueued = 256

	// subscriptionBuffer is the per-subscription channel capacity. A
	// full subscription stalls the reader, which pushes back on the
	// peer.
	subscriptionBuffer = 32
)

// Config configures a Session.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// CallTimeout is the default timeout for Call and Subscription.Next.
	CallTimeout time.Duration
	// WaitTimeout is the default timeout for Next and Expect.
	WaitTimeout time.Duration
	// QueueSize is the outbound frame queue capacity.
	QueueSize int

	// OnUnsolicited receives messages that match no pending call and
	// no open stream. It runs on the reader goroutine. When nil, such
	// messages without a call identifier go to the default FIFO and
	// the rest are dropped.
	OnUnsolicited func(protocol.Message)
}

// Session multiplexes calls and streams over one connection.
type Session struct {
	conn   *Conn
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	closeErr      error
	nextCall      uint64
	subscriptions map[string]*Subscription
	streams       map[uint32]*Stream
	nextStream    uint32
	queue         []protocol.Message
	waiter        chan protocol.Message
}

// New starts a session on a connected transport.
func New(t transport.Transport, config Config) *Session {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultWaitTimeout
	}
	s := &Session{
		config:        config,
		logger:        config.Logger.With("transport", t.String()),
		subscriptions: make(map[string]*Subscription),
		streams:       make(map[uint32]*Stream),
		nextStream:    1,
	}
	s.conn = NewConn(t, ConnHandlers{
		OnMessage: s.dispatch,
		OnClose:   s.teardown,
	}, config.QueueSize, s.logger)
	return s
}

// Transport returns the session's transport.
func (s *Session) Transport() transport.Transport { return s.conn.Transport() }

// Send queues msg for the peer.
func (s *Session) Send(msg protocol.Message) error {
	return s.conn.Send(msg)
}

// Close flushes queued messages and closes the connection. Pending
// calls and open streams fail with ErrClosed.
func (s *Session) Close() error { return s.conn.Close() }

// Destroy drops the connection immediately.
func (s *Session) Destroy() { s.conn.Destroy() }

// Done is closed when the connection has been torn down.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Err returns the teardown error, nil while the session is up.
func (s *Session) Err() error { return s.conn.Err() }

// OpenStreams returns the number of open streams.
func (s *Session) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// NewCallID returns a call identifier unique within this session.
func (s *Session) NewCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCall++
	return "c" + strconv.FormatUint(s.nextCall, 10)
}

// Call sends request and waits for the single reply carrying the same
// call identifier. A request without an identifier is assigned one. An
// error reply is returned as a *RemoteError. A zero timeout selects
// the session's CallTimeout.
func (s *Session) Call(ctx context.Context, request protocol.Correlated, timeout time.Duration) (protocol.Message, error) {
	if request.CallIdentifier() == "" {
		request.SetCallIdentifier(s.NewCallID())
	}
	subscription, err := s.Subscribe(request.CallIdentifier())
	if err != nil {
		return nil, err
	}
	defer subscription.Close()

	if err := s.Send(request); err != nil {
		return nil, err
	}
	reply, err := subscription.Next(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", request.Type(), err)
	}
	if remote := AsRemoteError(reply); remote != nil {
		return nil, remote
	}
	return reply, nil
}

// Subscribe registers for every message carrying callID until the
// subscription is closed. Multi-message exchanges such as file
// transfers use one subscription for the whole exchange.
func (s *Session) Subscribe(callID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	if _, exists := s.subscriptions[callID]; exists {
		return nil, fmt.Errorf("session: call id %q already pending", callID)
	}
	subscription := &Subscription{
		session:  s,
		callID:   callID,
		messages: make(chan protocol.Message, subscriptionBuffer),
		closed:   make(chan struct{}),
	}
	s.subscriptions[callID] = subscription
	return subscription, nil
}

// Next returns the next message from the default FIFO: messages with
// no call identifier that arrived with no other consumer. Only one
// goroutine may wait at a time. A zero timeout selects WaitTimeout.
func (s *Session) Next(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = s.config.WaitTimeout
	}
	s.mu.Lock()
	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return msg, nil
	}
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	if s.waiter != nil {
		s.mu.Unlock()
		return nil, ErrWaiterBusy
	}
	waiter := make(chan protocol.Message, 1)
	s.waiter = waiter
	s.mu.Unlock()

	select {
	case msg := <-waiter:
		return msg, nil
	case <-s.conn.Done():
		err := s.conn.Err()
		s.abandonWaiter(waiter)
		return nil, err
	case <-ctx.Done():
		s.abandonWaiter(waiter)
		return nil, ctx.Err()
	case <-s.config.Clock.After(timeout):
		s.abandonWaiter(waiter)
		return nil, ErrTimeout
	}
}

// abandonWaiter unregisters waiter. A message delivered between the
// wakeup and the unregistration goes back to the front of the queue.
func (s *Session) abandonWaiter(waiter chan protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == waiter {
		s.waiter = nil
	}
	select {
	case msg := <-waiter:
		s.queue = append([]protocol.Message{msg}, s.queue...)
	default:
	}
}

// Expect waits for the next default-FIFO message and checks that it is
// one of types. An error message is returned as a *RemoteError; any
// other type wraps ErrUnexpectedMessage.
func (s *Session) Expect(ctx context.Context, timeout time.Duration, types ...protocol.Type) (protocol.Message, error) {
	msg, err := s.Next(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if slices.Contains(types, msg.Type()) {
		return msg, nil
	}
	if remote := AsRemoteError(msg); remote != nil {
		return nil, remote
	}
	return nil, fmt.Errorf("%w: got %s, want one of %v", ErrUnexpectedMessage, msg.Type(), types)
}

// OpenStream allocates a free stream identifier, registers handlers
// for it, and sends request as the open_service message. Only
// request's Service, Args, Options, Cols, and Rows are used.
func (s *Session) OpenStream(request *protocol.OpenService, handlers StreamHandlers) (*Stream, error) {
	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextStream
	for id == 0 || s.streams[id] != nil {
		id++
	}
	s.nextStream = id + 1
	stream := newStream(s, id, request.Service, handlers)
	s.streams[id] = stream
	s.mu.Unlock()

	open := *request
	open.StreamID = id
	if err := s.Send(&open); err != nil {
		s.removeStream(stream)
		stream.finish(err, nil, "")
		return nil, err
	}
	return stream, nil
}

// Accept registers a stream the peer opened.
func (s *Session) Accept(request *protocol.OpenService, handlers StreamHandlers) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	if s.streams[request.StreamID] != nil {
		return nil, fmt.Errorf("%w: %d", ErrStreamIDInUse, request.StreamID)
	}
	stream := newStream(s, request.StreamID, request.Service, handlers)
	s.streams[request.StreamID] = stream
	return stream, nil
}

func (s *Session) removeStream(stream *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[stream.id] == stream {
		delete(s.streams, stream.id)
	}
}

func (s *Session) lookupStream(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// dispatch routes one inbound message. It runs on the reader goroutine.
func (s *Session) dispatch(msg protocol.Message) {
	if _, isOpen := msg.(*protocol.OpenService); !isOpen {
		if streamMessage, ok := msg.(protocol.StreamMessage); ok {
			s.routeStream(streamMessage)
			return
		}
	}

	var callID string
	if correlated, ok := msg.(protocol.Correlated); ok {
		callID = correlated.CallIdentifier()
	}
	if callID != "" {
		s.mu.Lock()
		subscription := s.subscriptions[callID]
		s.mu.Unlock()
		if subscription != nil {
			subscription.deliver(msg)
			return
		}
	}

	if s.config.OnUnsolicited != nil {
		s.config.OnUnsolicited(msg)
		return
	}
	if protocolError, ok := msg.(*protocol.Error); ok && protocolError.Synthetic() {
		s.logger.Warn("dropping undecodable frame", "error", protocolError)
		return
	}
	if callID != "" {
		s.logger.Debug("dropping reply for unknown call", "type", msg.Type(), "call_id", callID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter != nil {
		s.waiter <- msg
		s.waiter = nil
		return
	}
	if len(s.queue) >= maxQueued {
		s.logger.Warn("default queue full, dropping oldest message", "type", s.queue[0].Type())
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, msg)
}

func (s *Session) routeStream(msg protocol.StreamMessage) {
	stream := s.lookupStream(msg.StreamIdentifier())
	if stream == nil {
		s.logger.Debug("dropping message for unknown stream",
			"type", msg.Type(), "stream_id", msg.StreamIdentifier())
		return
	}
	switch m := msg.(type) {
	case *protocol.StreamData:
		stream.receiveData(m)
	case *protocol.StreamResize:
		stream.receiveResize(m)
	case *protocol.StreamClose:
		s.removeStream(stream)
		stream.finish(nil, m.ExitCode, m.Reason)
	case *protocol.ServiceError:
		s.removeStream(stream)
		stream.finish(&RemoteError{Code: m.Code, Message: m.Message}, nil, "")
	}
}

// teardown fails every open stream. Waiters on calls and the default
// queue observe Done themselves.
func (s *Session) teardown(err error) {
	s.mu.Lock()
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		streams = append(streams, stream)
	}
	clear(s.streams)
	s.mu.Unlock()

	for _, stream := range streams {
		stream.finish(err, nil, "")
	}
}

// Subscription receives every message sent under one call identifier.
type Subscription struct {
	session  *Session
	callID   string
	messages chan protocol.Message
	closed   chan struct{}
	once     sync.Once
}

// CallID returns the identifier the subscription is registered under.
func (sub *Subscription) CallID() string { return sub.callID }

// Next returns the next message for the call. Messages that arrived
// before teardown are still returned; after that Next returns the
// teardown error. A zero timeout selects the session's CallTimeout.
func (sub *Subscription) Next(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = sub.session.config.CallTimeout
	}
	select {
	case msg := <-sub.messages:
		return msg, nil
	default:
	}
	select {
	case msg := <-sub.messages:
		return msg, nil
	case <-sub.closed:
		return nil, ErrClosed
	case <-sub.session.conn.Done():
		return nil, sub.session.conn.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sub.session.config.Clock.After(timeout):
		return nil, ErrTimeout
	}
}

// Close unregisters the subscription. Later messages with its call
// identifier are dropped.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.session.mu.Lock()
		if sub.session.subscriptions[sub.callID] == sub {
			delete(sub.session.subscriptions, sub.callID)
		}
		sub.session.mu.Unlock()
		close(sub.closed)
	})
}

func (sub *Subscription) deliver(msg protocol.Message) {
	select {
	case sub.messages <- msg:
	case <-sub.closed:
	case <-sub.session.conn.Done():
	}
}
