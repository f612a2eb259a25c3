// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/devbridge/lib/clock"
	"github.com/bureau-foundation/devbridge/lib/identity"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type gateFixture struct {
	store *pairing.MemoryStore
	clock *clock.FakeClock
	id    *identity.Identity
	gate  *Gate
}

func newGateFixture(t *testing.T, approver Approver) *gateFixture {
	t.Helper()
	id, err := identity.Generate("laptop")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	store := pairing.NewMemoryStore()
	fake := clock.Fake(epoch)
	return &gateFixture{
		store: store,
		clock: fake,
		id:    id,
		gate: NewGate(Config{
			AgentName: "bench-pi",
			Store:     store,
			Approver:  approver,
			Clock:     fake,
		}, "10.0.0.2:51000"),
	}
}

func (f *gateFixture) hello(t *testing.T) protocol.Message {
	t.Helper()
	return f.gate.Hello(context.Background(), &protocol.Hello{
		DisplayName:     f.id.DisplayName,
		PublicKey:       f.id.EncodedPublicKey(),
		ProtocolVersion: protocol.ProtocolVersion,
	})
}

func (f *gateFixture) pairDirectly(t *testing.T) {
	t.Helper()
	err := f.store.Put(context.Background(), pairing.Record{
		Fingerprint: f.id.Fingerprint(),
		DisplayName: f.id.DisplayName,
		PublicKey:   f.id.PublicKey,
		PairedAt:    epoch,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func (f *gateFixture) challenge(t *testing.T) *protocol.AuthChallenge {
	t.Helper()
	challenge, ok := f.hello(t).(*protocol.AuthChallenge)
	if !ok {
		t.Fatalf("hello from paired key did not produce auth_challenge")
	}
	return challenge
}

func (f *gateFixture) respond(t *testing.T, challenge *protocol.AuthChallenge) protocol.Message {
	t.Helper()
	signature, err := f.id.SignChallenge(challenge.Nonce)
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}
	return f.gate.AuthResponse(context.Background(), &protocol.AuthResponse{Signature: signature})
}

// TestHelloUnpaired verifies an unknown key gets auth_required and the
// connection stays unauthenticated.
func TestHelloUnpaired(t *testing.T) {
	f := newGateFixture(t, AutoApprove)
	reply, ok := f.hello(t).(*protocol.AuthRequired)
	if !ok {
		t.Fatalf("reply is not auth_required")
	}
	if reply.AgentName != "bench-pi" {
		t.Errorf("AgentName = %q", reply.AgentName)
	}
	if f.gate.Authenticated() || f.gate.ChallengePending() {
		t.Fatal("unpaired hello changed authentication state")
	}
	if f.gate.Peer().Fingerprint != f.id.Fingerprint() {
		t.Errorf("peer fingerprint = %q", f.gate.Peer().Fingerprint)
	}
}

func TestChallengeSuccess(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)

	challenge := f.challenge(t)
	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		t.Fatalf("nonce is not base64: %v", err)
	}
	if len(nonce) < 16 {
		t.Fatalf("nonce has %d bytes, want at least 16", len(nonce))
	}
	if challenge.ExpiresInMs != DefaultNonceTTL.Milliseconds() {
		t.Errorf("ExpiresInMs = %d", challenge.ExpiresInMs)
	}

	ok, isOK := f.respond(t, challenge).(*protocol.AuthOK)
	if !isOK {
		t.Fatal("valid response did not produce auth_ok")
	}
	if ok.Fingerprint != f.id.Fingerprint() {
		t.Errorf("auth_ok fingerprint = %q", ok.Fingerprint)
	}
	if !f.gate.Authenticated() {
		t.Fatal("connection not authenticated after auth_ok")
	}
}

func TestChallengeExpired(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)

	challenge := f.challenge(t)
	f.clock.Advance(DefaultNonceTTL + time.Millisecond)

	fail, ok := f.respond(t, challenge).(*protocol.AuthFail)
	if !ok || fail.Reason != protocol.CodeNonceExpired {
		t.Fatalf("late response: got %#v, want auth_fail nonce_expired", fail)
	}
	if f.gate.Authenticated() {
		t.Fatal("late response authenticated the connection")
	}
}

func TestChallengeBadSignature(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)
	f.challenge(t)

	impostor, err := identity.Generate("impostor")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signature := base64.StdEncoding.EncodeToString(impostor.Sign([]byte("whatever")))
	reply := f.gate.AuthResponse(context.Background(), &protocol.AuthResponse{Signature: signature})
	fail, ok := reply.(*protocol.AuthFail)
	if !ok || fail.Reason != protocol.CodeBadSignature {
		t.Fatalf("got %#v, want auth_fail bad_signature", reply)
	}
	if f.gate.Authenticated() {
		t.Fatal("bad signature authenticated the connection")
	}
}

// TestNonceSingleUse verifies a nonce cannot be replayed after a
// failure or a success.
func TestNonceSingleUse(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)

	challenge := f.challenge(t)
	f.gate.AuthResponse(context.Background(), &protocol.AuthResponse{Signature: "AAAA"})
	if f.gate.ChallengePending() {
		t.Fatal("nonce survived a failed response")
	}
	reply := f.respond(t, challenge)
	if fail, ok := reply.(*protocol.AuthFail); !ok || fail.Reason != protocol.CodeNonceExpired {
		t.Fatalf("replayed nonce: got %#v, want auth_fail nonce_expired", reply)
	}
}

// TestNewHelloReplacesNonce verifies only the latest nonce is accepted.
func TestNewHelloReplacesNonce(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)

	stale := f.challenge(t)
	fresh := f.challenge(t)
	if stale.Nonce == fresh.Nonce {
		t.Fatal("two challenges issued the same nonce")
	}
	if _, ok := f.respond(t, stale).(*protocol.AuthFail); !ok {
		t.Fatal("signature over a replaced nonce was accepted")
	}
}

func TestAuthResponseWithoutChallenge(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	reply := f.gate.AuthResponse(context.Background(), &protocol.AuthResponse{Signature: "AAAA"})
	if fail, ok := reply.(*protocol.AuthFail); !ok || fail.Reason != protocol.CodeNonceExpired {
		t.Fatalf("got %#v, want auth_fail nonce_expired", reply)
	}
}

func TestHelloUnsupportedVersion(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	reply := f.gate.Hello(context.Background(), &protocol.Hello{
		PublicKey:       f.id.EncodedPublicKey(),
		ProtocolVersion: 99,
	})
	if e, ok := reply.(*protocol.Error); !ok || e.Code != protocol.CodeUnsupportedProtocolVersion {
		t.Fatalf("got %#v, want unsupported_protocol_version", reply)
	}
}

func TestHelloInvalidKey(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	reply := f.gate.Hello(context.Background(), &protocol.Hello{PublicKey: "bm90IGEga2V5"})
	if e, ok := reply.(*protocol.Error); !ok || e.Code != protocol.CodeInvalidPublicKey {
		t.Fatalf("got %#v, want invalid_public_key", reply)
	}
}

// TestPairApproved verifies approval stores the record and
// authenticates only the pairing connection.
func TestPairApproved(t *testing.T) {
	f := newGateFixture(t, AutoApprove)
	f.hello(t)

	reply := f.gate.PairRequest(context.Background(), &protocol.PairRequest{DisplayName: "my laptop"})
	ok, isOK := reply.(*protocol.PairOK)
	if !isOK {
		t.Fatalf("got %#v, want pair_ok", reply)
	}
	if ok.Fingerprint != f.id.Fingerprint() || !f.gate.Authenticated() {
		t.Fatal("pair_ok did not authenticate the connection")
	}

	record, found, err := f.store.Get(context.Background(), f.id.Fingerprint())
	if err != nil || !found {
		t.Fatalf("record not stored: %v", err)
	}
	if record.DisplayName != "my laptop" || !record.PairedAt.Equal(epoch) {
		t.Errorf("record = %+v", record)
	}

	// A second connection from the same key must answer a challenge.
	second := NewGate(f.gate.config, "10.0.0.2:51001")
	next := second.Hello(context.Background(), &protocol.Hello{PublicKey: f.id.EncodedPublicKey()})
	if _, ok := next.(*protocol.AuthChallenge); !ok {
		t.Fatalf("reconnect got %#v, want auth_challenge", next)
	}
	if second.Authenticated() {
		t.Fatal("pairing leaked authentication to another connection")
	}
}

func TestPairDenied(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.hello(t)
	reply := f.gate.PairRequest(context.Background(), &protocol.PairRequest{})
	if _, ok := reply.(*protocol.PairDenied); !ok {
		t.Fatalf("got %#v, want pair_denied", reply)
	}
	if f.gate.Authenticated() {
		t.Fatal("denied pairing authenticated the connection")
	}
	if list, _ := f.store.List(context.Background()); len(list) != 0 {
		t.Fatalf("denied pairing stored %d records", len(list))
	}
}

func TestPairApproverError(t *testing.T) {
	f := newGateFixture(t, ApproverFunc(func(context.Context, PairingRequest) (bool, error) {
		return false, errors.New("console unavailable")
	}))
	f.hello(t)
	if _, ok := f.gate.PairRequest(context.Background(), &protocol.PairRequest{}).(*protocol.PairDenied); !ok {
		t.Fatal("approver error did not deny")
	}
}

func TestPairBeforeHello(t *testing.T) {
	f := newGateFixture(t, AutoApprove)
	reply := f.gate.PairRequest(context.Background(), &protocol.PairRequest{})
	if e, ok := reply.(*protocol.Error); !ok || e.Code != protocol.CodeHelloRequired {
		t.Fatalf("got %#v, want hello_required", reply)
	}
}

// TestAllowedBeforeAuth verifies the gate blocks authenticated-only
// operations until authentication completes.
func TestAllowedBeforeAuth(t *testing.T) {
	f := newGateFixture(t, AutoApprove)
	exec := &protocol.Exec{Command: "id"}
	if f.gate.Allowed(exec) {
		t.Fatal("exec allowed before authentication")
	}
	if !f.gate.Allowed(&protocol.OpenService{Service: protocol.ServicePing}) {
		t.Fatal("ping refused before authentication")
	}
	f.hello(t)
	f.gate.PairRequest(context.Background(), &protocol.PairRequest{})
	if !f.gate.Allowed(exec) {
		t.Fatal("exec refused after pairing")
	}
}

func TestUnpairScopes(t *testing.T) {
	ctx := context.Background()

	t.Run("self", func(t *testing.T) {
		f := newGateFixture(t, AutoApprove)
		f.hello(t)
		f.gate.PairRequest(ctx, &protocol.PairRequest{})
		reply, ok := f.gate.Unpair(ctx, &protocol.UnpairRequest{}).(*protocol.UnpairOK)
		if !ok || reply.Removed != 1 || reply.Scope != protocol.UnpairSelf {
			t.Fatalf("unpair self = %#v", reply)
		}
		if f.gate.Authenticated() {
			t.Fatal("unpair self did not demote the connection")
		}
	})

	t.Run("fingerprint", func(t *testing.T) {
		f := newGateFixture(t, AutoApprove)
		f.hello(t)
		f.gate.PairRequest(ctx, &protocol.PairRequest{})
		other, _ := identity.Generate("other")
		f.store.Put(ctx, pairing.Record{Fingerprint: other.Fingerprint(), PublicKey: other.PublicKey})

		reply, ok := f.gate.Unpair(ctx, &protocol.UnpairRequest{
			Scope: protocol.UnpairFingerprint, Fingerprint: other.Fingerprint(),
		}).(*protocol.UnpairOK)
		if !ok || reply.Removed != 1 {
			t.Fatalf("unpair fingerprint = %#v", reply)
		}
		if !f.gate.Authenticated() {
			t.Fatal("removing another controller demoted this connection")
		}

		missing := f.gate.Unpair(ctx, &protocol.UnpairRequest{Scope: protocol.UnpairFingerprint})
		if e, ok := missing.(*protocol.Error); !ok || e.Code != protocol.CodeInvalidRequest {
			t.Fatalf("fingerprint scope without fingerprint = %#v", missing)
		}
	})

	t.Run("all", func(t *testing.T) {
		f := newGateFixture(t, AutoApprove)
		f.hello(t)
		f.gate.PairRequest(ctx, &protocol.PairRequest{})
		other, _ := identity.Generate("other")
		f.store.Put(ctx, pairing.Record{Fingerprint: other.Fingerprint(), PublicKey: other.PublicKey})

		reply, ok := f.gate.Unpair(ctx, &protocol.UnpairRequest{Scope: protocol.UnpairAll}).(*protocol.UnpairOK)
		if !ok || reply.Removed != 2 {
			t.Fatalf("unpair all = %#v", reply)
		}
		if f.gate.Authenticated() {
			t.Fatal("unpair all did not demote the connection")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		f := newGateFixture(t, AutoApprove)
		reply := f.gate.Unpair(ctx, &protocol.UnpairRequest{Scope: "everyone"})
		if e, ok := reply.(*protocol.Error); !ok || e.Code != protocol.CodeInvalidRequest {
			t.Fatalf("unknown scope = %#v", reply)
		}
	})
}

// TestAuthAfterRevocation verifies a challenge answered after the
// record was removed does not authenticate.
func TestAuthAfterRevocation(t *testing.T) {
	f := newGateFixture(t, DenyAll)
	f.pairDirectly(t)
	challenge := f.challenge(t)
	f.store.Remove(context.Background(), f.id.Fingerprint())

	if _, ok := f.respond(t, challenge).(*protocol.AuthRequired); !ok {
		t.Fatal("revoked key authenticated")
	}
}
