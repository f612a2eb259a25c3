// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/identity"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transport"
)

const (
	// DefaultConnectTimeout bounds Connect on the transport and the
	// agent's reply to hello.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultPairTimeout bounds the wait for an operator to approve a
	// pair_request. It is longer than the agent's own approval timeout
	// so that the agent's pair_denied arrives first.
	DefaultPairTimeout = 150 * time.Second

	// DefaultExecWait is how long Exec waits beyond the call timeout
	// for a command sent without a timeout of its own. It matches the
	// agent's default cap.
	DefaultExecWait = 10 * time.Minute
)

// Options configures a Client. The zero value is usable.
type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	PairTimeout    time.Duration

	// ProtocolVersion is sent in hello. Zero selects
	// protocol.ProtocolVersion.
	ProtocolVersion int

	Clock  clock.Clock
	Logger *slog.Logger
}

// State is the client's view of the handshake.
type State int

const (
	// StateUnpaired means the agent answered hello with auth_required.
	StateUnpaired State = iota
	// StateChallenged means a nonce is waiting to be signed.
	StateChallenged
	// StateAuthenticated means authenticated operations are allowed.
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Client is one controller connection to an agent.
type Client struct {
	session  *session.Session
	identity *identity.Identity
	options  Options
	logger   *slog.Logger

	// handshake serializes the handshake exchanges, which share the
	// default reply queue.
	handshake sync.Mutex

	mu          sync.Mutex
	state       State
	challenge   *protocol.AuthChallenge
	agentName   string
	fingerprint string
}

// Dial connects t, sends hello for id, and waits for the agent's
// verdict on the key. The returned client is either StateUnpaired or
// StateChallenged.
func Dial(ctx context.Context, t transport.Transport, id *identity.Identity, options Options) (*Client, error) {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.PairTimeout <= 0 {
		options.PairTimeout = DefaultPairTimeout
	}
	if options.ProtocolVersion == 0 {
		options.ProtocolVersion = protocol.ProtocolVersion
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	connectContext, cancel := context.WithTimeout(ctx, options.ConnectTimeout)
	defer cancel()
	if err := t.Connect(connectContext); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t, err)
	}

	c := &Client{
		identity: id,
		options:  options,
		logger:   options.Logger.With("agent", t.String()),
	}
	c.session = session.New(t, session.Config{
		Logger:      c.logger,
		Clock:       options.Clock,
		CallTimeout: options.CallTimeout,
	})
	if err := c.hello(ctx); err != nil {
		c.session.Destroy()
		return nil, err
	}
	return c, nil
}

// hello sends hello and records the agent's reply.
func (c *Client) hello(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()

	err := c.session.Send(&protocol.Hello{
		DisplayName:     c.identity.DisplayName,
		PublicKey:       c.identity.EncodedPublicKey(),
		ProtocolVersion: c.options.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	reply, err := c.session.Expect(ctx, c.options.ConnectTimeout, protocol.TypeAuthRequired, protocol.TypeAuthChallenge)
	if err != nil {
		return fmt.Errorf("waiting for hello reply: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := reply.(type) {
	case *protocol.AuthRequired:
		c.state = StateUnpaired
		c.challenge = nil
		c.agentName = m.AgentName
	case *protocol.AuthChallenge:
		c.state = StateChallenged
		c.challenge = m
		c.agentName = m.AgentName
	}
	c.logger.Debug("hello answered", "state", c.state, "agent_name", c.agentName)
	return nil
}

// State returns the handshake state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentName returns the name the agent reported during the handshake.
func (c *Client) AgentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// Fingerprint returns the controller fingerprint the agent confirmed in
// auth_ok or pair_ok, empty before that.
func (c *Client) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// Session returns the underlying session.
func (c *Client) Session() *session.Session { return c.session }

// Done is closed when the connection is torn down.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// Close closes the connection gracefully.
func (c *Client) Close() error { return c.session.Close() }

// Authenticate answers the outstanding challenge. An expired nonce is
// retried once with a fresh hello.
func (c *Client) Authenticate(ctx context.Context) error {
	err := c.authenticate(ctx)
	var authError *AuthError
	if errors.As(err, &authError) && authError.Reason == protocol.CodeNonceExpired {
		c.logger.Debug("challenge expired, sending a fresh hello")
		if err := c.hello(ctx); err != nil {
			return err
		}
		return c.authenticate(ctx)
	}
	return err
}

func (c *Client) authenticate(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()

	c.mu.Lock()
	state, challenge := c.state, c.challenge
	c.mu.Unlock()
	switch state {
	case StateAuthenticated:
		return nil
	case StateUnpaired:
		return ErrNotPaired
	}

	signature, err := c.identity.SignChallenge(challenge.Nonce)
	if err != nil {
		return fmt.Errorf("signing challenge: %w", err)
	}
	if err := c.session.Send(&protocol.AuthResponse{Signature: signature}); err != nil {
		return fmt.Errorf("sending auth_response: %w", err)
	}
	reply, err := c.session.Expect(ctx, 0, protocol.TypeAuthOK, protocol.TypeAuthFail, protocol.TypeAuthRequired)
	if err != nil {
		return fmt.Errorf("waiting for auth reply: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The nonce is single-use whatever the outcome.
	c.challenge = nil
	switch m := reply.(type) {
	case *protocol.AuthOK:
		c.state = StateAuthenticated
		c.fingerprint = m.Fingerprint
		if m.AgentName != "" {
			c.agentName = m.AgentName
		}
		c.logger.Info("authenticated", "fingerprint", m.Fingerprint)
		return nil
	case *protocol.AuthFail:
		c.state = StateUnpaired
		return &AuthError{Reason: m.Reason, Message: m.Message}
	default:
		c.state = StateUnpaired
		return ErrNotPaired
	}
}

// Pair asks the agent to trust this identity under displayName (empty
// keeps the hello display name). On approval the connection is
// authenticated.
func (c *Client) Pair(ctx context.Context, displayName string) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()

	if err := c.session.Send(&protocol.PairRequest{DisplayName: displayName}); err != nil {
		return fmt.Errorf("sending pair_request: %w", err)
	}
	reply, err := c.session.Expect(ctx, c.options.PairTimeout, protocol.TypePairOK, protocol.TypePairDenied)
	if err != nil {
		return fmt.Errorf("waiting for pairing approval: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := reply.(type) {
	case *protocol.PairOK:
		c.state = StateAuthenticated
		c.challenge = nil
		c.fingerprint = m.Fingerprint
		if m.AgentName != "" {
			c.agentName = m.AgentName
		}
		c.logger.Info("paired", "fingerprint", m.Fingerprint)
		return nil
	case *protocol.PairDenied:
		if m.Reason == "" {
			return ErrPairDenied
		}
		return fmt.Errorf("%w: %s", ErrPairDenied, m.Reason)
	}
	return ErrPairDenied
}

// Connect authenticates if the agent knows this identity, and
// otherwise pairs when allowPairing is set.
func (c *Client) Connect(ctx context.Context, allowPairing bool) error {
	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateChallenged:
		return c.Authenticate(ctx)
	}
	if !allowPairing {
		return ErrNotPaired
	}
	return c.Pair(ctx, "")
}

// Unpair removes pairing records on the agent. Removing the client's
// own record leaves the connection unauthenticated.
func (c *Client) Unpair(ctx context.Context, scope protocol.UnpairScope, fingerprint string) (*protocol.UnpairOK, error) {
	reply, err := call[*protocol.UnpairOK](ctx, c, &protocol.UnpairRequest{Scope: scope, Fingerprint: fingerprint}, 0)
	if err != nil {
		return nil, err
	}
	own := c.Fingerprint()
	if scope == "" || scope == protocol.UnpairSelf || scope == protocol.UnpairAll ||
		(scope == protocol.UnpairFingerprint && fingerprint == own) {
		c.mu.Lock()
		c.state = StateUnpaired
		c.mu.Unlock()
	}
	return reply, nil
}

// ExecRequest describes a one-shot command.
type ExecRequest struct {
	Command string
	Args    []string
	Shell   bool
	Dir     string
	Env     map[string]string
	// Timeout is enforced by the agent. Zero uses the agent's limit.
	Timeout time.Duration
}

// Exec runs a command on the agent and returns its result. A non-zero
// exit code is reported in the result, not as an error.
func (c *Client) Exec(ctx context.Context, request ExecRequest) (*protocol.ExecResult, error) {
	waitFor := c.options.CallTimeout
	if waitFor <= 0 {
		waitFor = session.DefaultCallTimeout
	}
	if request.Timeout > 0 {
		waitFor += request.Timeout
	} else {
		waitFor += DefaultExecWait
	}
	return call[*protocol.ExecResult](ctx, c, &protocol.Exec{
		Command:   request.Command,
		Args:      request.Args,
		Shell:     request.Shell,
		Dir:       request.Dir,
		Env:       request.Env,
		TimeoutMs: request.Timeout.Milliseconds(),
	}, waitFor)
}

// Status fetches the agent's status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	return call[*protocol.StatusResult](ctx, c, &protocol.Status{}, 0)
}

// ListPaired fetches the agent's pairing records.
func (c *Client) ListPaired(ctx context.Context) ([]protocol.PairedPeer, error) {
	result, err := call[*protocol.ListPairedResult](ctx, c, &protocol.ListPaired{}, 0)
	if err != nil {
		return nil, err
	}
	return result.Paired, nil
}

// call runs a one-shot request and checks the reply type. A zero
// timeout selects the session's call timeout.
func call[T protocol.Message](ctx context.Context, c *Client, request protocol.Correlated, timeout time.Duration) (T, error) {
	var zero T
	reply, err := c.session.Call(ctx, request, timeout)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%s: %w: got %s", request.Type(), session.ErrUnexpectedMessage, reply.Type())
	}
	return typed, nil
}
