// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/discovery"
	"github.com/bureau-foundation/devbridge/transport"
)

type discoverParams struct {
	cli.JSONOutput
	Target    string        `flag:"target" desc:"address to send the discover request to" default:"255.255.255.255"`
	Port      int           `flag:"port" desc:"agent discovery UDP port" default:"47800"`
	Wait      time.Duration `flag:"wait,w" desc:"how long to collect replies" default:"2s"`
	USB       bool          `flag:"usb" desc:"also list attached USB serial devices"`
	SysfsRoot string        `flag:"sysfs" desc:"sysfs mount point for USB enumeration" default:"/sys"`
}

// discovered is the --json form of a discovery run.
type discovered struct {
	Network []discovery.Endpoint  `json:"network"`
	USB     []transport.USBDevice `json:"usb,omitempty"`
}

func (app *App) discoverCommand() *cli.Command {
	var params discoverParams
	return &cli.Command{
		Name:    "discover",
		Summary: "Find agents on the local network and USB",
		Description: `Broadcast a discover request and list the agents that answer. With
--usb, also list attached USB serial devices an agent could be reached
through. Discovery only locates agents: pair or authenticate to use them.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("discover", &params) },
		Run: func(ctx context.Context, args []string) error {
			target := net.JoinHostPort(params.Target, strconv.Itoa(params.Port))
			endpoints, err := discovery.Scan(ctx, target, params.Wait)
			if err != nil {
				return err
			}
			result := discovered{Network: endpoints}
			if params.USB {
				result.USB, err = transport.EnumerateUSB(params.SysfsRoot, transport.USBFilter{})
				if err != nil {
					return err
				}
			}
			if done, err := params.EmitJSON(app.Stdout, result); done {
				return err
			}

			if len(result.Network) == 0 && len(result.USB) == 0 {
				fmt.Fprintln(app.Stderr, "no agents found")
				return nil
			}
			if len(result.Network) > 0 {
				table := cli.NewTable("NAME", "ADDRESS", "PROTOCOL")
				for _, endpoint := range result.Network {
					table.Row(endpoint.Name, endpoint.Address(), strconv.Itoa(endpoint.ProtocolVersion))
				}
				if err := table.Render(app.Stdout); err != nil {
					return err
				}
			}
			if len(result.USB) > 0 {
				if len(result.Network) > 0 {
					fmt.Fprintln(app.Stdout)
				}
				table := cli.NewTable("DEVICE", "ADDRESS", "PRODUCT")
				for _, device := range result.USB {
					address := fmt.Sprintf("usb://%04x:%04x", device.VendorID, device.ProductID)
					if device.SerialNumber != "" {
						address += "/" + device.SerialNumber
					}
					table.Row(device.Path, address, device.Manufacturer+" "+device.Product)
				}
				if err := table.Render(app.Stdout); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
