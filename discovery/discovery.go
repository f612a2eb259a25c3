// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds agents on the local network. A controller
// sends a discover datagram, usually to the broadcast address; every
// agent running a [Responder] answers with its name and the TCP port
// it serves on. Discovery only locates agents: trust is established by
// the handshake afterwards.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"time"
)

// DefaultPort is the UDP port agents listen on for discover requests.
const DefaultPort = 47800

// maxDatagram bounds a discover request or reply.
const maxDatagram = 1024

const (
	typeDiscover = "discover"
	typeReply    = "discover_reply"
)

// datagram is the JSON body of both requests and replies.
type datagram struct {
	Type            string `json:"type"`
	Name            string `json:"name,omitempty"`
	Port            int    `json:"port,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// Endpoint is one agent that answered a scan.
type Endpoint struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Name            string `json:"name"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// Address returns host:port for dialing the agent.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Responder answers discover requests for one agent.
type Responder struct {
	// Name is reported to scanners.
	Name string
	// Port is the agent's TCP port.
	Port            int
	ProtocolVersion int
	Logger          *slog.Logger
}

// Listen opens the UDP socket a Responder serves on. An empty address
// listens on DefaultPort on every interface.
func Listen(address string) (net.PacketConn, error) {
	if address == "" {
		address = ":" + strconv.Itoa(DefaultPort)
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("discovery: listening on %s: %w", address, err)
	}
	return conn, nil
}

// Serve answers requests on conn until ctx is cancelled, then closes
// conn. Datagrams that are not discover requests are ignored.
func (r *Responder) Serve(ctx context.Context, conn net.PacketConn) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	reply, err := json.Marshal(datagram{
		Type:            typeReply,
		Name:            r.Name,
		Port:            r.Port,
		ProtocolVersion: r.ProtocolVersion,
	})
	if err != nil {
		return err
	}

	logger.Info("discovery responder listening", "address", conn.LocalAddr().String())
	buffer := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery: reading: %w", err)
		}
		var request datagram
		if json.Unmarshal(buffer[:n], &request) != nil || request.Type != typeDiscover {
			logger.Debug("ignoring datagram", "from", from.String(), "bytes", n)
			continue
		}
		if _, err := conn.WriteTo(reply, from); err != nil {
			logger.Warn("discovery reply failed", "to", from.String(), "error", err)
		}
	}
}

// Scan sends a discover request to target (host:port, commonly
// "255.255.255.255:47800") and collects replies for wait. Each agent
// appears once, sorted by address.
func Scan(ctx context.Context, target string, wait time.Duration) ([]Endpoint, error) {
	destination, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolving %s: %w", target, err)
	}
	config := net.ListenConfig{Control: allowBroadcast}
	conn, err := config.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("discovery: opening scan socket: %w", err)
	}
	defer conn.Close()

	request, _ := json.Marshal(datagram{Type: typeDiscover})
	if _, err := conn.WriteTo(request, destination); err != nil {
		return nil, fmt.Errorf("discovery: sending to %s: %w", target, err)
	}

	deadline := time.Now().Add(wait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	found := make(map[string]Endpoint)
	buffer := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			var netError net.Error
			if errors.As(err, &netError) && netError.Timeout() {
				break
			}
			return nil, fmt.Errorf("discovery: reading replies: %w", err)
		}
		var reply datagram
		if json.Unmarshal(buffer[:n], &reply) != nil || reply.Type != typeReply || reply.Port <= 0 {
			continue
		}
		host, _, err := net.SplitHostPort(from.String())
		if err != nil {
			continue
		}
		endpoint := Endpoint{Host: host, Port: reply.Port, Name: reply.Name, ProtocolVersion: reply.ProtocolVersion}
		found[endpoint.Address()] = endpoint
	}

	endpoints := make([]Endpoint, 0, len(found))
	for _, address := range slices.Sorted(maps.Keys(found)) {
		endpoints = append(endpoints, found[address])
	}
	return endpoints, nil
}
