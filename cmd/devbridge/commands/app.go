// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
)

// PassphraseEnvVar supplies the identity passphrase non-interactively.
const PassphraseEnvVar = "DEVBRIDGE_PASSPHRASE"

// App holds the process's streams. Commands write results to Stdout and
// progress to Stderr.
type App struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Getenv reads the environment. Nil selects os.Getenv.
	Getenv func(string) string

	// ReadPassphrase prompts for a passphrase. Nil reads from the
	// controlling terminal without echo.
	ReadPassphrase func(prompt string) (string, error)
}

// Standard returns an App bound to the process's standard streams.
func Standard() *App {
	return &App{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (app *App) getenv(name string) string {
	if app.Getenv != nil {
		return app.Getenv(name)
	}
	return os.Getenv(name)
}

// passphrase returns the identity passphrase from the environment or
// an interactive prompt.
func (app *App) passphrase(prompt string) (string, error) {
	if value := app.getenv(PassphraseEnvVar); value != "" {
		return value, nil
	}
	if app.ReadPassphrase != nil {
		return app.ReadPassphrase(prompt)
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for a passphrase; set %s", PassphraseEnvVar)
	}
	fmt.Fprint(app.Stderr, prompt)
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(app.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(value), nil
}

// Root returns the devbridge command tree.
func Root(app *App) *cli.Command {
	return &cli.Command{
		Name:    "devbridge",
		Summary: "Control devbridge agents",
		Description: `devbridge talks to a devbridge agent over TCP, a serial line, or a USB
serial device. The first connection from a new identity must be paired
and approved on the agent; later connections authenticate with the
identity's key.`,
		HelpOutput: app.Stderr,
		Subcommands: []*cli.Command{
			app.pairCommand(),
			app.unpairCommand(),
			app.pairedCommand(),
			app.statusCommand(),
			app.execCommand(),
			app.pushCommand(),
			app.pullCommand(),
			app.serviceCommand(),
			app.inspectCommand(),
			app.discoverCommand(),
			app.identityCommand(),
			app.rawCommand(),
			app.versionCommand(),
		},
	}
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}
