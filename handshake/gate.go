// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/identity"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/protocol"
)

const (
	// DefaultNonceTTL is how long a challenge nonce stays valid.
	DefaultNonceTTL = 30 * time.Second

	// DefaultApprovalTimeout bounds how long a pair_request waits for
	// the Approver.
	DefaultApprovalTimeout = 2 * time.Minute

	// nonceBytes is the nonce length; 256 bits comfortably exceeds the
	// 128-bit floor.
	nonceBytes = 32
)

// Config is shared by every Gate an agent creates.
type Config struct {
	AgentName string
	Store     pairing.Store
	// Approver decides pair_request messages. Nil denies all.
	Approver        Approver
	Clock           clock.Clock
	NonceTTL        time.Duration
	ApprovalTimeout time.Duration
	Logger          *slog.Logger
}

// Peer is what the Gate knows about the remote controller.
type Peer struct {
	Fingerprint string
	DisplayName string
	PublicKey   ed25519.PublicKey
}

// Gate is the authentication state of one connection.
type Gate struct {
	config     Config
	remoteAddr string
	logger     *slog.Logger

	helloSeen     bool
	authenticated bool
	peer          Peer

	// pendingNonce is the raw nonce of the outstanding challenge, nil
	// when none is outstanding.
	pendingNonce  []byte
	nonceDeadline time.Time
}

// NewGate returns the state for a new connection from remoteAddr.
func NewGate(config Config, remoteAddr string) *Gate {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.NonceTTL <= 0 {
		config.NonceTTL = DefaultNonceTTL
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = DefaultApprovalTimeout
	}
	if config.Approver == nil {
		config.Approver = DenyAll
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{
		config:     config,
		remoteAddr: remoteAddr,
		logger:     logger.With("remote", remoteAddr),
	}
}

// Authenticated reports whether the connection may use authenticated
// operations.
func (g *Gate) Authenticated() bool { return g.authenticated }

// Peer returns the controller identity presented in the last hello.
func (g *Gate) Peer() Peer { return g.peer }

// ChallengePending reports whether a nonce is outstanding.
func (g *Gate) ChallengePending() bool { return g.pendingNonce != nil }

// Allowed reports whether msg may be processed in the connection's
// current state. Stream traffic for already-open streams is decided by
// the caller.
func (g *Gate) Allowed(msg protocol.Message) bool {
	return g.authenticated || protocol.AllowedBeforeAuth(msg)
}

// Demote returns the connection to the unauthenticated state.
func (g *Gate) Demote() {
	g.authenticated = false
	g.pendingNonce = nil
}

// Hello processes a hello. The reply is auth_challenge for a paired
// key, auth_required for an unpaired one, or an error for an
// unsupported version or malformed key (which leave the state
// untouched).
func (g *Gate) Hello(ctx context.Context, hello *protocol.Hello) protocol.Message {
	version := hello.ProtocolVersion
	if version == 0 {
		version = 1
	}
	if version != protocol.ProtocolVersion {
		return protocol.NewError(protocol.CodeUnsupportedProtocolVersion,
			"agent speaks protocol version %d, hello requested %d", protocol.ProtocolVersion, version)
	}
	publicKey, err := identity.DecodePublicKey(hello.PublicKey)
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidPublicKey, "%v", err)
	}

	g.helloSeen = true
	g.authenticated = false
	g.pendingNonce = nil
	g.peer = Peer{
		Fingerprint: identity.Fingerprint(publicKey),
		DisplayName: hello.DisplayName,
		PublicKey:   publicKey,
	}

	paired, err := g.isPaired(ctx)
	if err != nil {
		g.logger.Error("pairing lookup failed", "fingerprint", g.peer.Fingerprint, "error", err)
		return protocol.NewError(protocol.CodeInternal, "pairing lookup failed")
	}
	if !paired {
		g.logger.Info("hello from unpaired controller",
			"fingerprint", g.peer.Fingerprint, "display_name", hello.DisplayName)
		return &protocol.AuthRequired{
			Reason:          "not paired",
			AgentName:       g.config.AgentName,
			ProtocolVersion: protocol.ProtocolVersion,
		}
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return protocol.NewError(protocol.CodeInternal, "generating nonce: %v", err)
	}
	g.pendingNonce = nonce
	g.nonceDeadline = g.config.Clock.Now().Add(g.config.NonceTTL)

	return &protocol.AuthChallenge{
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
		ExpiresInMs:     g.config.NonceTTL.Milliseconds(),
		AgentName:       g.config.AgentName,
		ProtocolVersion: protocol.ProtocolVersion,
	}
}

// AuthResponse checks a signature against the outstanding nonce and
// consumes the nonce.
func (g *Gate) AuthResponse(ctx context.Context, response *protocol.AuthResponse) protocol.Message {
	nonce := g.pendingNonce
	deadline := g.nonceDeadline
	g.pendingNonce = nil

	if nonce == nil {
		return &protocol.AuthFail{Reason: protocol.CodeNonceExpired, Message: "no challenge outstanding"}
	}
	if g.config.Clock.Now().After(deadline) {
		g.logger.Info("auth response after nonce expiry", "fingerprint", g.peer.Fingerprint)
		return &protocol.AuthFail{Reason: protocol.CodeNonceExpired, Message: "challenge expired"}
	}
	signature, err := base64.StdEncoding.DecodeString(response.Signature)
	if err != nil || !identity.Verify(g.peer.PublicKey, nonce, signature) {
		g.logger.Warn("auth response with bad signature", "fingerprint", g.peer.Fingerprint)
		return &protocol.AuthFail{Reason: protocol.CodeBadSignature}
	}

	// The record may have been removed by another connection since the
	// challenge was issued.
	paired, err := g.isPaired(ctx)
	if err != nil {
		return protocol.NewError(protocol.CodeInternal, "pairing lookup failed")
	}
	if !paired {
		return &protocol.AuthRequired{Reason: "pairing revoked", AgentName: g.config.AgentName}
	}

	g.authenticated = true
	g.logger.Info("controller authenticated", "fingerprint", g.peer.Fingerprint)
	return &protocol.AuthOK{Fingerprint: g.peer.Fingerprint, AgentName: g.config.AgentName}
}

// PairRequest asks the Approver to trust the key from the preceding
// hello and records it on approval. Approval authenticates this
// connection only.
func (g *Gate) PairRequest(ctx context.Context, request *protocol.PairRequest) protocol.Message {
	if !g.helloSeen {
		return protocol.NewError(protocol.CodeHelloRequired, "send hello before pair_request")
	}
	displayName := request.DisplayName
	if displayName == "" {
		displayName = g.peer.DisplayName
	}

	approvalContext, cancel := context.WithTimeout(ctx, g.config.ApprovalTimeout)
	defer cancel()
	approved, err := g.config.Approver.Approve(approvalContext, PairingRequest{
		Fingerprint: g.peer.Fingerprint,
		DisplayName: displayName,
		RemoteAddr:  g.remoteAddr,
	})
	if err != nil {
		g.logger.Warn("pairing approval failed", "fingerprint", g.peer.Fingerprint, "error", err)
		return &protocol.PairDenied{Reason: fmt.Sprintf("approval failed: %v", err)}
	}
	if !approved {
		g.logger.Info("pairing denied", "fingerprint", g.peer.Fingerprint)
		return &protocol.PairDenied{Reason: "pairing not approved"}
	}

	record := pairing.Record{
		Fingerprint: g.peer.Fingerprint,
		DisplayName: displayName,
		PublicKey:   g.peer.PublicKey,
		PairedAt:    g.config.Clock.Now().UTC(),
	}
	if err := g.config.Store.Put(ctx, record); err != nil {
		g.logger.Error("storing pairing record failed", "fingerprint", g.peer.Fingerprint, "error", err)
		return protocol.NewError(protocol.CodeInternal, "storing pairing record failed")
	}

	g.authenticated = true
	g.pendingNonce = nil
	g.peer.DisplayName = displayName
	g.logger.Info("controller paired", "fingerprint", g.peer.Fingerprint, "display_name", displayName)
	return &protocol.PairOK{Fingerprint: g.peer.Fingerprint, AgentName: g.config.AgentName}
}

// Unpair removes pairing records. Removing the connection's own record
// (scope self, scope all, or scope fingerprint naming itself) demotes
// the connection. The caller must only pass requests from an
// authenticated connection.
func (g *Gate) Unpair(ctx context.Context, request *protocol.UnpairRequest) protocol.Message {
	scope := request.Scope
	if scope == "" {
		scope = protocol.UnpairSelf
	}

	reply := &protocol.UnpairOK{Scope: scope}
	switch scope {
	case protocol.UnpairSelf:
		removed, err := g.config.Store.Remove(ctx, g.peer.Fingerprint)
		if err != nil {
			return protocol.NewError(protocol.CodeInternal, "removing pairing: %v", err)
		}
		reply.Fingerprint = g.peer.Fingerprint
		reply.Removed = boolCount(removed)
		g.Demote()

	case protocol.UnpairFingerprint:
		if request.Fingerprint == "" {
			return protocol.NewError(protocol.CodeInvalidRequest, "scope fingerprint requires a fingerprint")
		}
		removed, err := g.config.Store.Remove(ctx, request.Fingerprint)
		if err != nil {
			return protocol.NewError(protocol.CodeInternal, "removing pairing: %v", err)
		}
		reply.Fingerprint = request.Fingerprint
		reply.Removed = boolCount(removed)
		if request.Fingerprint == g.peer.Fingerprint {
			g.Demote()
		}

	case protocol.UnpairAll:
		count, err := g.config.Store.RemoveAll(ctx)
		if err != nil {
			return protocol.NewError(protocol.CodeInternal, "removing pairings: %v", err)
		}
		reply.Removed = count
		g.Demote()

	default:
		return protocol.NewError(protocol.CodeInvalidRequest, "unknown unpair scope %q", scope)
	}

	g.logger.Info("pairings removed", "scope", scope, "removed", reply.Removed,
		"by", g.peer.Fingerprint)
	return reply
}

func (g *Gate) isPaired(ctx context.Context) (bool, error) {
	record, found, err := g.config.Store.Get(ctx, g.peer.Fingerprint)
	if err != nil || !found {
		return false, err
	}
	// A record whose key differs from the presented key is a fingerprint
	// prefix collision, not a match.
	return record.Key().Equal(g.peer.PublicKey), nil
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
