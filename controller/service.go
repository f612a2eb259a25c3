// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
)

// ServiceRequest names a service and its arguments.
type ServiceRequest struct {
	Service string
	Args    []string
	Options map[string]string
	Cols    uint16
	Rows    uint16
}

// OpenService opens a stream to a named service. The stream's
// handlers run on the session's reader goroutine and must not block.
// Capabilities, info, and ping may be opened before authentication.
func (c *Client) OpenService(request ServiceRequest, handlers session.StreamHandlers) (*session.Stream, error) {
	return c.session.OpenStream(&protocol.OpenService{
		Service: request.Service,
		Args:    request.Args,
		Options: request.Options,
		Cols:    request.Cols,
		Rows:    request.Rows,
	}, handlers)
}

// ServiceOutput is everything a stream produced before it ended.
type ServiceOutput struct {
	// Channels holds the payload bytes per channel. Single-output
	// services write to the "" channel.
	Channels map[string][]byte
	ExitCode *int
}

// Output returns the bytes written to the default channel.
func (o *ServiceOutput) Output() []byte { return o.Channels[""] }

// Collect opens a service, sends input (if any) followed by end of
// input, and gathers its output until the agent closes the stream. A service_error is
// returned as a *RemoteError.
func (c *Client) Collect(ctx context.Context, request ServiceRequest, input []byte) (*ServiceOutput, error) {
	var mu sync.Mutex
	output := &ServiceOutput{Channels: make(map[string][]byte)}
	stream, err := c.OpenService(request, session.StreamHandlers{
		OnData: func(channel string, payload []byte) {
			mu.Lock()
			output.Channels[channel] = append(output.Channels[channel], payload...)
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		// A stream the agent already failed reports why from Wait.
		if _, err := stream.Write(input); err != nil && !errors.Is(err, session.ErrStreamClosed) {
			return nil, err
		}
		if err := stream.CloseInput(); err != nil && !errors.Is(err, session.ErrStreamClosed) {
			return nil, err
		}
	}
	exitCode, err := stream.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			stream.Close()
		}
		return nil, fmt.Errorf("service %s: %w", request.Service, err)
	}
	mu.Lock()
	defer mu.Unlock()
	output.ExitCode = exitCode
	return output, nil
}

// InspectResult is what the pre-authentication services reveal.
type InspectResult struct {
	// Capabilities and Info are the raw JSON documents, nil when the
	// service failed.
	Capabilities json.RawMessage
	Info         json.RawMessage
	Ping         bool
	// Errors records the failure of each service that did not answer.
	Errors map[string]error
}

// Inspect opens every pre-authentication service concurrently and
// collects what they return. It works on a connection in any state.
func (c *Client) Inspect(ctx context.Context) *InspectResult {
	services := []string{protocol.ServiceCapabilities, protocol.ServiceInfo, protocol.ServicePing}
	outputs := make([]*ServiceOutput, len(services))
	errs := make([]error, len(services))

	var wg sync.WaitGroup
	for i, name := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[i], errs[i] = c.Collect(ctx, ServiceRequest{Service: name}, nil)
		}()
	}
	wg.Wait()

	result := &InspectResult{Errors: make(map[string]error)}
	for i, name := range services {
		if errs[i] != nil {
			result.Errors[name] = errs[i]
			continue
		}
		data := outputs[i].Output()
		switch name {
		case protocol.ServiceCapabilities:
			result.Capabilities = validJSON(data)
		case protocol.ServiceInfo:
			result.Info = validJSON(data)
		case protocol.ServicePing:
			result.Ping = bytes.Equal(data, []byte("pong"))
		}
	}
	return result
}

func validJSON(data []byte) json.RawMessage {
	if !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
