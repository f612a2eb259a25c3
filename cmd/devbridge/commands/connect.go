// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/lib/config"
	"github.com/bureau-foundation/devbridge/lib/identity"
)

// ConnectionParams are the flags shared by every command that talks to
// an agent.
type ConnectionParams struct {
	ConfigPath  string `flag:"config,c" desc:"path to devbridge.yaml (default: $DEVBRIDGE_CONFIG)"`
	Agent       string `flag:"agent,a" desc:"agent address: host[:port], tcp://, serial:///dev/..., or usb://VID:PID (default: controller.default_agent)"`
	Baud        int    `flag:"baud" desc:"serial and USB baud rate" default:"115200"`
	IdentityDir string `flag:"identity" desc:"identity directory (default: paths.identity)"`
	Verbose     bool   `flag:"verbose,v" desc:"log protocol activity"`
}

// connectMode says how far connect takes the handshake.
type connectMode int

const (
	// helloOnly stops after hello: pre-authentication services and
	// pairing work from there.
	helloOnly connectMode = iota
	// authenticated requires a paired identity.
	authenticated
)

// connection is a dialed agent plus the configuration that produced it.
type connection struct {
	client *controller.Client
	config *config.Config
	logger *slog.Logger
}

func (c *connection) Close() { c.client.Close() }

// connect resolves configuration and identity, dials the agent, and
// runs the handshake up to mode.
func (app *App) connect(ctx context.Context, params *ConnectionParams, mode connectMode) (*connection, error) {
	cfg, err := config.Resolve(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.DiscardHandler)
	if params.Verbose {
		logger = cli.NewCommandLogger(true)
	}

	raw := params.Agent
	if raw == "" {
		raw = cfg.Controller.DefaultAgent
	}
	if raw == "" {
		return nil, fmt.Errorf("no agent address: pass --agent or set controller.default_agent")
	}
	address, err := ParseAgentAddress(raw)
	if err != nil {
		return nil, err
	}
	t, err := address.Transport(params.Baud, cfg.Controller.ConnectTimeoutDuration())
	if err != nil {
		return nil, err
	}

	id, err := app.loadIdentity(cfg, params.IdentityDir)
	if err != nil {
		return nil, err
	}

	client, err := controller.Dial(ctx, t, id, controller.Options{
		ConnectTimeout: cfg.Controller.ConnectTimeoutDuration(),
		CallTimeout:    cfg.Controller.CallTimeoutDuration(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if mode == authenticated {
		if err := client.Connect(ctx, false); err != nil {
			client.Close()
			if errors.Is(err, controller.ErrNotPaired) {
				return nil, fmt.Errorf("%s has not paired identity %s; run 'devbridge pair' first",
					address, id.Fingerprint())
			}
			return nil, err
		}
	}
	return &connection{client: client, config: cfg, logger: logger}, nil
}

// loadIdentity opens the controller identity, creating an unsealed one
// on first use.
func (app *App) loadIdentity(cfg *config.Config, override string) (*identity.Identity, error) {
	dir := override
	if dir == "" {
		dir = cfg.Paths.Identity
	}
	id, err := identity.Load(dir, app.getenv(PassphraseEnvVar))
	if errors.Is(err, identity.ErrPassphraseRequired) {
		passphrase, promptErr := app.passphrase("Identity passphrase: ")
		if promptErr != nil {
			return nil, promptErr
		}
		return identity.Load(dir, passphrase)
	}
	if errors.Is(err, os.ErrNotExist) {
		id, _, err = identity.LoadOrGenerate(dir, displayName(cfg), identity.SaveOptions{
			Passphrase: app.getenv(PassphraseEnvVar),
		})
		if err == nil {
			fmt.Fprintf(app.Stderr, "created identity %s in %s\n", id.Fingerprint(), dir)
		}
	}
	return id, err
}

// displayName is the configured name, else user@hostname.
func displayName(cfg *config.Config) string {
	if cfg.Controller.DisplayName != "" {
		return cfg.Controller.DisplayName
	}
	name := "devbridge"
	if current, err := user.Current(); err == nil {
		name = current.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		name += "@" + hostname
	}
	return name
}
