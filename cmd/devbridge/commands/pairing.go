// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/protocol"
)

type pairParams struct {
	ConnectionParams
	cli.JSONOutput
	Name string `flag:"name" desc:"display name recorded on the agent (default: identity name)"`
}

// pairResult is the --json form of a pairing outcome.
type pairResult struct {
	Agent         string `json:"agent"`
	Fingerprint   string `json:"fingerprint"`
	AlreadyPaired bool   `json:"alreadyPaired"`
}

func (app *App) pairCommand() *cli.Command {
	var params pairParams
	return &cli.Command{
		Name:    "pair",
		Summary: "Pair this identity with an agent",
		Description: `Send a pairing request for this controller's identity. The agent's
operator approves or denies it; the request waits up to two and a half
minutes. Pairing an identity the agent already trusts just authenticates.`,
		Usage: "devbridge pair [flags]",
		Examples: []cli.Example{
			{Description: "Pair with a board on the bench network", Command: "devbridge pair --agent 192.168.7.2"},
			{Description: "Pair over a USB gadget serial link", Command: "devbridge pair --agent usb://1d6b:0104 --name lab-laptop"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("pair", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			conn, err := app.connect(ctx, &params.ConnectionParams, helloOnly)
			if err != nil {
				return err
			}
			defer conn.Close()

			client := conn.client
			result := pairResult{AlreadyPaired: client.State() == controller.StateChallenged}
			if result.AlreadyPaired {
				err = client.Authenticate(ctx)
			} else {
				fmt.Fprintf(app.Stderr, "waiting for approval on %s...\n", client.AgentName())
				err = client.Pair(ctx, params.Name)
			}
			if err != nil {
				return err
			}
			result.Agent = client.AgentName()
			result.Fingerprint = client.Fingerprint()

			if done, err := params.EmitJSON(app.Stdout, result); done {
				return err
			}
			if result.AlreadyPaired {
				fmt.Fprintf(app.Stdout, "already paired with %s as %s\n", result.Agent, result.Fingerprint)
			} else {
				fmt.Fprintf(app.Stdout, "paired with %s as %s\n", result.Agent, result.Fingerprint)
			}
			return nil
		},
	}
}

type unpairParams struct {
	ConnectionParams
	cli.JSONOutput
	All         bool   `flag:"all" desc:"remove every pairing on the agent"`
	Fingerprint string `flag:"fingerprint" desc:"remove the pairing with this fingerprint"`
}

func (app *App) unpairCommand() *cli.Command {
	var params unpairParams
	return &cli.Command{
		Name:    "unpair",
		Summary: "Remove pairings from an agent",
		Description: `Remove this identity's pairing (the default), another controller's
pairing by fingerprint, or every pairing. Removing this identity's own
pairing ends its authenticated access.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("unpair", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			scope := protocol.UnpairSelf
			switch {
			case params.All && params.Fingerprint != "":
				return fmt.Errorf("--all and --fingerprint are mutually exclusive")
			case params.All:
				scope = protocol.UnpairAll
			case params.Fingerprint != "":
				scope = protocol.UnpairFingerprint
			}

			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()

			result, err := conn.client.Unpair(ctx, scope, params.Fingerprint)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(app.Stdout, result); done {
				return err
			}
			fmt.Fprintf(app.Stdout, "removed %d pairing(s) from %s\n", result.Removed, conn.client.AgentName())
			return nil
		},
	}
}

type pairedParams struct {
	ConnectionParams
	cli.JSONOutput
}

func (app *App) pairedCommand() *cli.Command {
	var params pairedParams
	return &cli.Command{
		Name:    "paired",
		Summary: "List the controllers an agent trusts",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("paired", &params) },
		Run: func(ctx context.Context, args []string) error {
			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()

			peers, err := conn.client.ListPaired(ctx)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(app.Stdout, peers); done {
				return err
			}
			own := conn.client.Fingerprint()
			table := cli.NewTable("FINGERPRINT", "NAME", "PAIRED")
			for _, peer := range peers {
				name := peer.DisplayName
				if peer.Fingerprint == own {
					name += " " + cli.Dim("(this identity)")
				}
				table.Row(peer.Fingerprint, name, peer.PairedAt.Local().Format(time.DateTime))
			}
			return table.Render(app.Stdout)
		},
	}
}
