// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/devbridge/transport"
)

// AgentAddress is a parsed --agent value.
type AgentAddress struct {
	// Scheme is tcp, serial, or usb.
	Scheme string
	// Target is host:port for tcp and the device path for serial.
	Target string
	// USB selects the device for the usb scheme.
	USB transport.USBFilter
}

func (a AgentAddress) String() string {
	switch a.Scheme {
	case "usb":
		return fmt.Sprintf("usb://%04x:%04x", a.USB.VendorID, a.USB.ProductID)
	default:
		return a.Scheme + "://" + a.Target
	}
}

// ParseAgentAddress parses an agent address. A bare host or host:port
// is TCP; a missing port selects transport.DefaultPort.
func ParseAgentAddress(raw string) (AgentAddress, error) {
	if raw == "" {
		return AgentAddress{}, fmt.Errorf("empty agent address")
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		scheme, rest = "tcp", raw
	}
	switch scheme {
	case "tcp":
		return parseTCPAddress(rest)
	case "serial":
		if rest == "" || !strings.HasPrefix(rest, "/") {
			return AgentAddress{}, fmt.Errorf("serial address %q: want serial:///path/to/device", raw)
		}
		return AgentAddress{Scheme: "serial", Target: rest}, nil
	case "usb":
		return parseUSBAddress(rest)
	default:
		return AgentAddress{}, fmt.Errorf("agent address %q: unknown scheme %q (want tcp, serial, or usb)", raw, scheme)
	}
}

func parseTCPAddress(hostport string) (AgentAddress, error) {
	if hostport == "" {
		return AgentAddress{}, fmt.Errorf("tcp address is empty")
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port: the whole value is the host.
		host, port = strings.Trim(hostport, "[]"), strconv.Itoa(transport.DefaultPort)
	}
	if host == "" {
		return AgentAddress{}, fmt.Errorf("tcp address %q has no host", hostport)
	}
	if number, err := strconv.Atoi(port); err != nil || number < 1 || number > 65535 {
		return AgentAddress{}, fmt.Errorf("tcp address %q: invalid port %q", hostport, port)
	}
	return AgentAddress{Scheme: "tcp", Target: net.JoinHostPort(host, port)}, nil
}

// parseUSBAddress parses "", "VID:PID", or "VID:PID/SERIAL" with
// hexadecimal identifiers.
func parseUSBAddress(rest string) (AgentAddress, error) {
	address := AgentAddress{Scheme: "usb"}
	if rest == "" {
		return address, nil
	}
	ids, serial, _ := strings.Cut(rest, "/")
	vendor, product, found := strings.Cut(ids, ":")
	if !found {
		return AgentAddress{}, fmt.Errorf("usb address %q: want usb://VID:PID[/SERIAL]", rest)
	}
	vendorID, err := strconv.ParseUint(vendor, 16, 16)
	if err != nil {
		return AgentAddress{}, fmt.Errorf("usb vendor id %q: %w", vendor, err)
	}
	productID, err := strconv.ParseUint(product, 16, 16)
	if err != nil {
		return AgentAddress{}, fmt.Errorf("usb product id %q: %w", product, err)
	}
	address.USB = transport.USBFilter{
		VendorID:     uint16(vendorID),
		ProductID:    uint16(productID),
		SerialNumber: serial,
	}
	return address, nil
}

// Transport returns an unconnected transport for the address.
func (a AgentAddress) Transport(baud int, connectTimeout time.Duration) (transport.Transport, error) {
	switch a.Scheme {
	case "tcp":
		return transport.NewTCP(a.Target, connectTimeout), nil
	case "serial":
		return transport.NewSerial(a.Target, baud, connectTimeout), nil
	case "usb":
		device, err := transport.FindUSBSerial(transport.DefaultSysfsRoot, a.USB, baud, connectTimeout)
		if err != nil {
			return nil, err
		}
		return device, nil
	default:
		return nil, fmt.Errorf("unknown transport scheme %q", a.Scheme)
	}
}
