// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/lib/config"
	"github.com/bureau-foundation/devbridge/lib/identity"
)

type identityParams struct {
	cli.JSONOutput
	ConfigPath  string `flag:"config,c" desc:"path to devbridge.yaml (default: $DEVBRIDGE_CONFIG)"`
	IdentityDir string `flag:"identity" desc:"identity directory (default: paths.identity)"`
}

func (params *identityParams) dir() (string, *config.Config, error) {
	cfg, err := config.Resolve(params.ConfigPath)
	if err != nil {
		return "", nil, err
	}
	if params.IdentityDir != "" {
		return params.IdentityDir, cfg, nil
	}
	return cfg.Paths.Identity, cfg, nil
}

// identitySummary is what identity show prints.
type identitySummary struct {
	Directory   string `json:"directory"`
	DisplayName string `json:"displayName"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	Sealed      bool   `json:"sealed"`
}

func (app *App) identityCommand() *cli.Command {
	return &cli.Command{
		Name:    "identity",
		Summary: "Manage this controller's keypair",
		Description: `The identity is the Ed25519 keypair agents pair with. It is created on
first use; create it explicitly to choose its display name or to seal
the private key with a passphrase.`,
		Subcommands: []*cli.Command{
			app.identityInitCommand(),
			app.identityShowCommand(),
		},
	}
}

func (app *App) identityInitCommand() *cli.Command {
	var params struct {
		identityParams
		Name  string `flag:"name" desc:"display name (default: user@hostname)"`
		Seal  bool   `flag:"seal" desc:"encrypt the private key with a passphrase"`
		Force bool   `flag:"force" desc:"replace an existing identity"`
	}
	return &cli.Command{
		Name:    "init",
		Summary: "Create a new identity",
		Description: `Create a new identity. Replacing an existing identity with --force
invalidates every pairing made with it.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("init", &params) },
		Run: func(ctx context.Context, args []string) error {
			dir, cfg, err := params.dir()
			if err != nil {
				return err
			}
			if _, err := identity.Load(dir, ""); !errors.Is(err, fs.ErrNotExist) && !params.Force {
				return fmt.Errorf("identity already exists in %s (use --force to replace it)", dir)
			}

			name := params.Name
			if name == "" {
				name = displayName(cfg)
			}
			var options identity.SaveOptions
			if params.Seal {
				passphrase, err := app.passphrase("New passphrase: ")
				if err != nil {
					return err
				}
				if app.getenv(PassphraseEnvVar) == "" {
					confirm, err := app.passphrase("Repeat passphrase: ")
					if err != nil {
						return err
					}
					if confirm != passphrase {
						return fmt.Errorf("passphrases do not match")
					}
				}
				if passphrase == "" {
					return fmt.Errorf("empty passphrase")
				}
				options.Passphrase = passphrase
			}

			id, err := identity.Generate(name)
			if err != nil {
				return err
			}
			if err := identity.Save(dir, id, options); err != nil {
				return err
			}
			summary := identitySummary{Directory: dir, DisplayName: id.DisplayName,
				Fingerprint: id.Fingerprint(), PublicKey: id.EncodedPublicKey(), Sealed: params.Seal}
			if done, err := params.EmitJSON(app.Stdout, summary); done {
				return err
			}
			fmt.Fprintf(app.Stdout, "created identity %s (%s)\n", summary.Fingerprint, summary.DisplayName)
			return nil
		},
	}
}

func (app *App) identityShowCommand() *cli.Command {
	var params identityParams
	return &cli.Command{
		Name:    "show",
		Summary: "Print the identity's fingerprint and public key",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("show", &params) },
		Run: func(ctx context.Context, args []string) error {
			dir, _, err := params.dir()
			if err != nil {
				return err
			}
			sealed := false
			id, err := identity.Load(dir, "")
			if errors.Is(err, identity.ErrPassphraseRequired) {
				sealed = true
				passphrase, promptErr := app.passphrase("Identity passphrase: ")
				if promptErr != nil {
					return promptErr
				}
				id, err = identity.Load(dir, passphrase)
			}
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no identity in %s; run 'devbridge identity init'", dir)
			}
			if err != nil {
				return err
			}

			summary := identitySummary{Directory: dir, DisplayName: id.DisplayName,
				Fingerprint: id.Fingerprint(), PublicKey: id.EncodedPublicKey(), Sealed: sealed}
			if done, err := params.EmitJSON(app.Stdout, summary); done {
				return err
			}
			fmt.Fprintf(app.Stdout, "name:        %s\n", summary.DisplayName)
			fmt.Fprintf(app.Stdout, "fingerprint: %s\n", summary.Fingerprint)
			fmt.Fprintf(app.Stdout, "public key:  %s\n", summary.PublicKey)
			fmt.Fprintf(app.Stdout, "sealed:      %v\n", summary.Sealed)
			fmt.Fprintf(app.Stdout, "directory:   %s\n", summary.Directory)
			return nil
		},
	}
}
