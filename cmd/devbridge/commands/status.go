// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/lib/version"
)

type statusParams struct {
	ConnectionParams
	cli.JSONOutput
}

func (app *App) statusCommand() *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show an agent's status",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("status", &params) },
		Run: func(ctx context.Context, args []string) error {
			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()

			status, err := conn.client.Status(ctx)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(app.Stdout, status); done {
				return err
			}
			fileRoot := status.FileRoot
			if fileRoot == "" {
				fileRoot = cli.Dim("(file transfer disabled)")
			}
			rows := [][2]string{
				{"agent", status.AgentName},
				{"host", status.Hostname},
				{"platform", status.OS + "/" + status.Arch},
				{"uptime", (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second).String()},
				{"protocol", fmt.Sprint(status.ProtocolVersion)},
				{"file root", fileRoot},
				{"paired", fmt.Sprint(status.PairedCount)},
				{"streams", fmt.Sprint(status.OpenStreams)},
				{"services", strings.Join(status.Services, ", ")},
			}
			for _, row := range rows {
				fmt.Fprintf(app.Stdout, "%-10s %s\n", row[0]+":", row[1])
			}
			return nil
		},
	}
}

type inspectParams struct {
	ConnectionParams
	cli.JSONOutput
}

// inspectOutput is the --json form of a inspect.
type inspectOutput struct {
	Address      string            `json:"address"`
	State        string            `json:"state"`
	Capabilities json.RawMessage   `json:"capabilities,omitempty"`
	Info         json.RawMessage   `json:"info,omitempty"`
	Ping         bool              `json:"ping"`
	Errors       map[string]string `json:"errors,omitempty"`
}

func (app *App) inspectCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "inspect",
		Summary: "Query an agent's pre-authentication services",
		Description: `Connect without authenticating and query the capabilities, info, and
ping services. Inspect works before pairing and reports whether this
identity is already known to the agent.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("inspect", &params) },
		Run: func(ctx context.Context, args []string) error {
			conn, err := app.connect(ctx, &params.ConnectionParams, helloOnly)
			if err != nil {
				return err
			}
			defer conn.Close()

			result := conn.client.Inspect(ctx)
			output := inspectOutput{
				Address:      conn.client.Session().Transport().String(),
				State:        conn.client.State().String(),
				Capabilities: result.Capabilities,
				Info:         result.Info,
				Ping:         result.Ping,
			}
			for service, err := range result.Errors {
				if output.Errors == nil {
					output.Errors = make(map[string]string)
				}
				output.Errors[service] = err.Error()
			}
			if done, err := params.EmitJSON(app.Stdout, output); done {
				return err
			}

			fmt.Fprintf(app.Stdout, "%s (%s)\n", output.Address, output.State)
			fmt.Fprintf(app.Stdout, "ping: %v\n", output.Ping)
			for _, document := range []struct {
				name string
				data json.RawMessage
			}{{"info", output.Info}, {"capabilities", output.Capabilities}} {
				if document.data == nil {
					continue
				}
				fmt.Fprintf(app.Stdout, "%s:\n", document.name)
				if err := cli.WriteJSON(app.Stdout, document.data); err != nil {
					return err
				}
			}
			for service, message := range output.Errors {
				fmt.Fprintf(app.Stderr, "%s: %s\n", service, message)
			}
			return nil
		},
	}
}

func (app *App) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print the CLI version",
		Run: func(context.Context, []string) error {
			fmt.Fprintln(app.Stdout, version.Full())
			return nil
		},
	}
}
