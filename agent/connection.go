// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/handshake"
	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transfer"
	"github.com/bureau-foundation/devbridge/transport"
)

// pushIdleTimeout is how long an upload may go without a chunk before
// a new push_begin replaces it.
const pushIdleTimeout = 30 * time.Second

// connection is the agent's state for one controller connection. The
// gate is only touched from the session's reader goroutine.
type connection struct {
	server  *Server
	session *session.Session
	gate    *handshake.Gate
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// authContext scopes work started by an authenticated controller.
	// It is cancelled when the connection loses its authentication.
	// Reader goroutine only.
	authContext context.Context
	authCancel  context.CancelFunc

	// pushMu guards the upload in progress, which cleanup discards
	// from outside the reader goroutine.
	pushMu     sync.Mutex
	push       *transfer.Receiver
	pushCallID string
	pushActive time.Time

	// workers tracks goroutines started for exec, pull, and services.
	workers sync.WaitGroup
}

func newConnection(ctx context.Context, s *Server, t transport.Transport) *connection {
	connectionContext, cancel := context.WithCancel(ctx)
	c := &connection{
		server: s,
		logger: s.logger.With("remote", t.String()),
		ctx:    connectionContext,
		cancel: cancel,
	}
	c.authContext, c.authCancel = context.WithCancel(connectionContext)
	c.gate = handshake.NewGate(s.gate, t.String())
	// The reader may deliver before New returns.
	ready := make(chan struct{})
	c.session = session.New(t, session.Config{
		Logger: c.logger,
		Clock:  s.config.Clock,
		OnUnsolicited: func(msg protocol.Message) {
			<-ready
			c.handle(msg)
		},
	})
	close(ready)
	c.logger.Info("connection opened")
	return c
}

// cleanup runs after the session is torn down: it stops workers and
// discards any half-finished upload.
func (c *connection) cleanup() {
	c.cancel()
	c.workers.Wait()
	c.abortPush()
}

func (c *connection) send(msg protocol.Message) {
	if err := c.session.Send(msg); err != nil {
		c.logger.Debug("send failed", "type", msg.Type(), "error", err)
	}
}

// reply sends response, carrying over request's call identifier.
func (c *connection) reply(request, response protocol.Message) {
	if from, ok := request.(protocol.Correlated); ok {
		if to, ok := response.(protocol.Correlated); ok && to.CallIdentifier() == "" {
			to.SetCallIdentifier(from.CallIdentifier())
		}
	}
	c.send(response)
}

func (c *connection) replyError(request protocol.Message, code, format string, args ...any) {
	c.reply(request, protocol.NewError(code, format, args...))
}

// handle processes one inbound message on the reader goroutine.
func (c *connection) handle(msg protocol.Message) {
	if protocolError, ok := msg.(*protocol.Error); ok {
		if protocolError.Synthetic() {
			c.logger.Warn("undecodable frame", "code", protocolError.Code, "message", protocolError.Message)
			c.send(protocol.NewError(protocolError.Code, "%s", protocolError.Message))
			return
		}
		c.logger.Warn("controller reported an error", "code", protocolError.Code, "message", protocolError.Message)
		return
	}

	if !c.gate.Allowed(msg) {
		c.logger.Info("rejected before authentication", "type", msg.Type())
		if open, ok := msg.(*protocol.OpenService); ok {
			c.send(&protocol.ServiceError{StreamID: open.StreamID, Code: protocol.CodeAuthRequired,
				Message: "service " + open.Service + " requires authentication"})
			return
		}
		c.replyError(msg, protocol.CodeAuthRequired, "%s requires an authenticated connection", msg.Type())
		return
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		wasAuthenticated := c.gate.Authenticated()
		c.send(c.gate.Hello(c.ctx, m))
		if wasAuthenticated && !c.gate.Authenticated() {
			c.demoted()
		}
	case *protocol.AuthResponse:
		c.send(c.gate.AuthResponse(c.ctx, m))
	case *protocol.PairRequest:
		c.send(c.gate.PairRequest(c.ctx, m))
	case *protocol.UnpairRequest:
		c.reply(m, c.gate.Unpair(c.ctx, m))
		if !c.gate.Authenticated() {
			c.demoted()
		}
	case *protocol.Status:
		c.reply(m, c.status())
	case *protocol.ListPaired:
		c.listPaired(m)
	case *protocol.Exec:
		ctx := c.authContext
		c.goWork(func() { c.exec(ctx, m) })
	case *protocol.PushBegin:
		c.pushBegin(m)
	case *protocol.PushChunk:
		c.pushChunk(m)
	case *protocol.PushEnd:
		c.pushEnd(m)
	case *protocol.PushAbort:
		c.pushAbort(m)
	case *protocol.PullBegin:
		ctx := c.authContext
		c.goWork(func() { c.pull(ctx, m) })
	case *protocol.OpenService:
		c.openService(m)
	default:
		c.replyError(msg, protocol.CodeUnexpectedMessage, "agent does not accept %s", msg.Type())
	}
}

// demoted ends everything an authenticated controller started: the
// upload in progress and every pull, exec, and authenticated service.
func (c *connection) demoted() {
	c.logger.Info("connection lost authentication")
	c.abortPush()
	c.authCancel()
	c.authContext, c.authCancel = context.WithCancel(c.ctx)
}

// goWork runs fn on its own goroutine, tracked for cleanup.
func (c *connection) goWork(fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

func (c *connection) status() *protocol.StatusResult {
	s := c.server
	result := &protocol.StatusResult{
		AgentName:       s.config.Name,
		Hostname:        s.hostname,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		UptimeMs:        clock.Since(s.config.Clock, s.started).Milliseconds(),
		ProtocolVersion: protocol.ProtocolVersion,
		FileRoot:        s.sandbox.Root(),
		OpenStreams:     c.session.OpenStreams(),
		Services:        s.ServiceNames(),
	}
	if records, err := s.config.Store.List(c.ctx); err == nil {
		result.PairedCount = len(records)
	} else {
		c.logger.Warn("listing pairings for status failed", "error", err)
	}
	return result
}

func (c *connection) listPaired(request *protocol.ListPaired) {
	records, err := c.server.config.Store.List(c.ctx)
	if err != nil {
		c.replyError(request, protocol.CodeInternal, "listing pairings: %v", err)
		return
	}
	result := &protocol.ListPairedResult{Paired: make([]protocol.PairedPeer, 0, len(records))}
	for _, record := range records {
		result.Paired = append(result.Paired, protocol.PairedPeer{
			Fingerprint: record.Fingerprint,
			DisplayName: record.DisplayName,
			PairedAt:    record.PairedAt,
		})
	}
	c.reply(request, result)
}

func (c *connection) pushBegin(begin *protocol.PushBegin) {
	if c.server.sandbox.Root() == "" {
		c.replyError(begin, protocol.CodeInvalidRemotePath, "file transfer is disabled on this agent")
		return
	}
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.push != nil {
		idle := clock.Since(c.server.config.Clock, c.pushActive)
		if idle < pushIdleTimeout {
			c.replyError(begin, protocol.CodeTransferInProgress, "push of %s is still in progress", c.push.RemotePath())
			return
		}
		c.logger.Warn("replacing stalled push", "remote_path", c.push.RemotePath(), "idle", idle)
		c.abortPushLocked()
	}
	receiver, err := transfer.NewReceiver(c.server.sandbox, begin)
	if err != nil {
		c.logger.Info("push rejected", "remote_path", begin.RemotePath, "error", err)
		c.replyError(begin, transfer.Code(err), "%v", err)
		return
	}
	c.push = receiver
	c.pushCallID = begin.CallID
	c.pushActive = c.server.config.Clock.Now()
	c.logger.Info("push started", "remote_path", begin.RemotePath, "size", begin.Size,
		"compression", begin.Compression)
	c.reply(begin, &protocol.TransferAck{Stage: protocol.StageBegin, RemotePath: begin.RemotePath})
}

func (c *connection) pushChunk(chunk *protocol.PushChunk) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if !c.activePushLocked(chunk, chunk.CallID) {
		return
	}
	total, err := c.push.Write(chunk)
	if err != nil {
		c.logger.Warn("push aborted", "remote_path", c.push.RemotePath(), "error", err)
		c.abortPushLocked()
		c.replyError(chunk, transfer.Code(err), "%v", err)
		return
	}
	c.pushActive = c.server.config.Clock.Now()
	c.reply(chunk, &protocol.TransferAck{Stage: protocol.StageChunk, Bytes: total})
}

func (c *connection) pushEnd(end *protocol.PushEnd) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if !c.activePushLocked(end, end.CallID) {
		return
	}
	receiver := c.push
	c.push, c.pushCallID = nil, ""
	written, digest, err := receiver.Commit(end)
	if err != nil {
		c.logger.Warn("push failed at commit", "remote_path", receiver.RemotePath(), "error", err)
		c.replyError(end, transfer.Code(err), "%v", err)
		return
	}
	c.logger.Info("push complete", "remote_path", receiver.RemotePath(), "bytes", written)
	c.reply(end, &protocol.TransferAck{
		Stage:      protocol.StageEnd,
		RemotePath: receiver.RemotePath(),
		Bytes:      written,
		Digest:     digest,
	})
}

// pushAbort discards the upload owned by the aborting call. An abort
// for any other call is ignored: the upload already ended.
func (c *connection) pushAbort(abort *protocol.PushAbort) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.push == nil || abort.CallID != c.pushCallID {
		c.logger.Debug("ignoring abort for finished push", "call_id", abort.CallID)
		return
	}
	c.logger.Info("push abandoned by controller", "remote_path", c.push.RemotePath(), "reason", abort.Reason)
	c.abortPushLocked()
}

func (c *connection) activePushLocked(request protocol.Message, callID string) bool {
	if c.push == nil {
		c.replyError(request, protocol.CodeNoTransfer, "no push in progress")
		return false
	}
	if callID != c.pushCallID {
		c.replyError(request, protocol.CodeNoTransfer, "call %q does not own the push in progress", callID)
		return false
	}
	return true
}

func (c *connection) abortPush() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.abortPushLocked()
}

func (c *connection) abortPushLocked() {
	if c.push != nil {
		c.push.Abort()
		c.push, c.pushCallID = nil, ""
	}
}

// pull streams a file to the controller on a worker goroutine.
func (c *connection) pull(ctx context.Context, begin *protocol.PullBegin) {
	if c.server.sandbox.Root() == "" {
		c.replyError(begin, protocol.CodeInvalidRemotePath, "file transfer is disabled on this agent")
		return
	}
	sender, err := transfer.OpenSender(c.server.sandbox, begin)
	if err != nil {
		c.logger.Info("pull rejected", "remote_path", begin.RemotePath, "error", err)
		c.replyError(begin, transfer.Code(err), "%v", err)
		return
	}
	defer sender.Close()

	c.reply(begin, &protocol.TransferAck{Stage: protocol.StageBegin, RemotePath: begin.RemotePath, Size: sender.Size()})
	for {
		if ctx.Err() != nil {
			c.logger.Info("pull cancelled", "remote_path", begin.RemotePath)
			c.replyError(begin, protocol.CodeAuthRequired, "pull of %s cancelled: connection is no longer authenticated", begin.RemotePath)
			return
		}
		chunk, err := sender.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			c.logger.Warn("pull failed", "remote_path", begin.RemotePath, "error", err)
			c.replyError(begin, transfer.Code(err), "%v", err)
			return
		}
		chunk.CallID = begin.CallID
		if err := c.session.Send(chunk); err != nil {
			return
		}
	}
	end := sender.End()
	end.CallID = begin.CallID
	c.send(end)
	c.logger.Info("pull complete", "remote_path", begin.RemotePath, "bytes", end.Bytes)
}

func (c *connection) openService(request *protocol.OpenService) {
	service, ok := c.server.services[request.Service]
	if !ok {
		c.send(&protocol.ServiceError{StreamID: request.StreamID, Code: protocol.CodeUnknownService,
			Message: "no service named " + request.Service})
		return
	}
	ctx := c.authContext
	if protocol.IsPreAuthService(request.Service) {
		ctx = c.ctx
	}
	stream, err := acceptStream(ctx, c.session, request, c.logger)
	if err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, session.ErrStreamIDInUse) {
			code = protocol.CodeStreamIDInUse
		}
		c.send(&protocol.ServiceError{StreamID: request.StreamID, Code: code, Message: err.Error()})
		return
	}
	c.logger.Debug("stream opened", "service", request.Service, "stream_id", request.StreamID)
	c.goWork(func() { runService(c.logger, service, stream) })
}
