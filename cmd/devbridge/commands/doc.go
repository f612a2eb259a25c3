// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands implements the devbridge controller CLI: pairing,
// remote exec, file transfer, service streams, discovery, and identity
// management against a devbridge agent.
//
// Every command that talks to an agent takes the shared
// [ConnectionParams] flags. The agent address accepts these forms:
//
//	host, host:port, tcp://host[:port]
//	serial:///dev/ttyUSB0
//	usb://, usb://VID:PID, usb://VID:PID/SERIAL
package commands
