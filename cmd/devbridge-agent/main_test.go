// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"

	"github.com/bureau-foundation/devbridge/handshake"
)

func TestApprover(t *testing.T) {
	ctx := context.Background()
	request := handshake.PairingRequest{}

	approved, err := approver("auto").Approve(ctx, request)
	if err != nil || !approved {
		t.Errorf("auto: Approve = %v, %v; want true, nil", approved, err)
	}
	approved, err = approver("deny").Approve(ctx, request)
	if err != nil || approved {
		t.Errorf("deny: Approve = %v, %v; want false, nil", approved, err)
	}
	if _, ok := approver("terminal").(*handshake.TerminalApprover); !ok {
		t.Errorf("terminal: got %T, want *handshake.TerminalApprover", approver("terminal"))
	}
}

func TestListenPort(t *testing.T) {
	tests := []struct {
		address string
		want    int
		wantErr bool
	}{
		{"127.0.0.1:7800", 7800, false},
		{"[::]:41234", 41234, false},
		{"no-port", 0, true},
		{"host:http", 0, true},
	}
	for _, test := range tests {
		got, err := listenPort(test.address)
		if (err != nil) != test.wantErr {
			t.Errorf("listenPort(%q) error = %v, wantErr %v", test.address, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("listenPort(%q) = %d, want %d", test.address, got, test.want)
		}
	}
}
