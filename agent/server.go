// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/handshake"
	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transfer"
	"github.com/bureau-foundation/devbridge/transport"
)

// Config configures a Server.
type Config struct {
	// Name is the agent's display name, reported in handshake replies
	// and status.
	Name string

	// FileRoot confines push and pull. Empty disables file transfer.
	FileRoot string

	// Store holds pairing records. Required.
	Store pairing.Store

	// Approver decides pairing requests. Nil denies all.
	Approver handshake.Approver

	// Services are registered in addition to the built-in services.
	Services []Service

	// Shell runs exec requests with shell set. Empty selects /bin/sh.
	Shell string

	// MaxExecTimeout caps the timeout of one-shot exec. Zero selects
	// DefaultMaxExecTimeout.
	MaxExecTimeout time.Duration

	NonceTTL        time.Duration
	ApprovalTimeout time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

// DefaultMaxExecTimeout bounds one-shot exec when the request sets no
// timeout of its own.
const DefaultMaxExecTimeout = 10 * time.Minute

// Server serves controllers.
type Server struct {
	config   Config
	gate     handshake.Config
	sandbox  transfer.Sandbox
	services map[string]Service
	logger   *slog.Logger
	started  time.Time
	hostname string

	activeConnections sync.WaitGroup
	mu                sync.Mutex
	connections       map[*connection]struct{}
}

// New validates config and registers the built-in services.
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, errors.New("agent: pairing store is required")
	}
	if config.Name == "" {
		return nil, errors.New("agent: name is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if config.MaxExecTimeout <= 0 {
		config.MaxExecTimeout = DefaultMaxExecTimeout
	}

	s := &Server{
		config:      config,
		services:    make(map[string]Service),
		logger:      config.Logger,
		started:     config.Clock.Now(),
		connections: make(map[*connection]struct{}),
	}
	s.hostname, _ = os.Hostname()
	s.gate = handshake.Config{
		AgentName:       config.Name,
		Store:           config.Store,
		Approver:        config.Approver,
		Clock:           config.Clock,
		NonceTTL:        config.NonceTTL,
		ApprovalTimeout: config.ApprovalTimeout,
		Logger:          config.Logger,
	}
	if config.FileRoot != "" {
		sandbox, err := transfer.NewSandbox(config.FileRoot)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		s.sandbox = sandbox
	}

	for _, service := range builtinServices(s) {
		s.Handle(service)
	}
	for _, service := range config.Services {
		s.Handle(service)
	}
	return s, nil
}

// Handle registers a service. It panics on a duplicate name.
func (s *Server) Handle(service Service) {
	name := service.Name()
	if _, exists := s.services[name]; exists {
		panic(fmt.Sprintf("agent: duplicate service %q", name))
	}
	s.services[name] = service
}

// ServiceNames returns the registered service names, sorted.
func (s *Server) ServiceNames() []string {
	return sortedKeys(s.services)
}

// Serve accepts connections until ctx is cancelled or the listener
// fails, then closes every connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, listener transport.Listener) error {
	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("agent listening", "address", listener.Addr(), "name", s.config.Name)

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = fmt.Errorf("accepting on %s: %w", listener.Addr(), err)
			break
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.ServeTransport(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return acceptErr
}

// ServeTransport runs one connection on an already connected transport
// until the peer disconnects or ctx is cancelled. Serial links, which
// have no listener, are served this way.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport) error {
	c := newConnection(ctx, s, t)
	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.connections, c)
		s.mu.Unlock()
	}()

	select {
	case <-c.session.Done():
	case <-ctx.Done():
		c.session.Close()
	}
	c.cleanup()
	err := c.session.Err()
	c.logger.Info("connection ended", "reason", err)
	if errors.Is(err, session.ErrClosed) {
		return nil
	}
	return err
}

// ConnectionCount returns the number of connections being served.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
