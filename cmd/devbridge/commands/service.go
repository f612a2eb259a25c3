// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
)

type serviceParams struct {
	ConnectionParams
	Options map[string]string `flag:"option,o" desc:"service option (KEY=VALUE, repeatable)"`
	Timeout time.Duration     `flag:"timeout" desc:"close the stream after this long"`
	Raw     bool              `flag:"raw" desc:"put the local terminal in raw mode and report its size"`
}

func (app *App) serviceCommand() *cli.Command {
	var params serviceParams
	return &cli.Command{
		Name:    "service",
		Summary: "Open a stream to a named agent service",
		Description: `Open a stream to an agent service and relay it to this terminal:
service output goes to stdout (stderr for a service's stderr channel)
and stdin is forwarded as stream input. The command exits with the
service's exit code when it reports one.`,
		Usage: "devbridge service [flags] NAME [ARG...]",
		Examples: []cli.Example{
			{Description: "Check that an agent answers", Command: "devbridge service ping"},
			{Description: "Run a shell with a real terminal", Command: "devbridge service --raw exec -o shell=true -- /bin/sh -i"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("service", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing service name")
			}
			request := controller.ServiceRequest{Service: args[0], Args: args[1:], Options: params.Options}

			// Pre-authentication services take no input.
			mode, input := authenticated, app.Stdin
			if protocol.IsPreAuthService(request.Service) {
				mode, input = helloOnly, nil
			}
			conn, err := app.connect(ctx, &params.ConnectionParams, mode)
			if err != nil {
				return err
			}
			defer conn.Close()

			if params.Raw {
				fd := int(os.Stdin.Fd())
				if !term.IsTerminal(fd) {
					return fmt.Errorf("--raw needs stdin to be a terminal")
				}
				if cols, rows, err := term.GetSize(fd); err == nil {
					request.Cols, request.Rows = uint16(cols), uint16(rows)
				}
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("entering raw mode: %w", err)
				}
				defer term.Restore(fd, state)
			}
			return app.runStream(ctx, conn.client, request, input, params.Timeout)
		},
	}
}

// runStream opens request, relays output and input, and waits for the
// agent to end the stream. A reported non-zero exit code becomes an
// ExitError.
func (app *App) runStream(ctx context.Context, client *controller.Client, request controller.ServiceRequest, input io.Reader, timeout time.Duration) error {
	stream, err := client.OpenService(request, session.StreamHandlers{
		OnData: func(channel string, payload []byte) {
			if channel == protocol.ChannelStderr {
				app.Stderr.Write(payload)
				return
			}
			app.Stdout.Write(payload)
		},
	})
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if input != nil {
		go forwardInput(stream, input)
	}

	exitCode, err := stream.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			stream.Close()
		}
		return fmt.Errorf("service %s: %w", request.Service, err)
	}
	if exitCode == nil {
		return nil
	}
	return exitStatus(*exitCode)
}
