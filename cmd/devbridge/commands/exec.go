// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/agent"
	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/session"
)

type execParams struct {
	ConnectionParams
	cli.JSONOutput
	Shell   bool              `flag:"shell,s" desc:"run the arguments as one command line through the agent's shell"`
	Dir     string            `flag:"cwd" desc:"working directory on the agent"`
	Env     map[string]string `flag:"env,e" desc:"extra environment variable (KEY=VALUE, repeatable)"`
	Timeout time.Duration     `flag:"timeout" desc:"kill the command after this long (default: the agent's limit)"`
	Stream  bool              `flag:"stream" desc:"stream output as it is produced and forward stdin"`
}

func (app *App) execCommand() *cli.Command {
	var params execParams
	return &cli.Command{
		Name:    "exec",
		Summary: "Run a command on an agent",
		Description: `Run a command on the agent and exit with its exit status. By default
the agent runs the command to completion and returns its captured
output. With --stream, output is relayed as it is produced and this
process's stdin is forwarded to the command.`,
		Usage: "devbridge exec [flags] -- COMMAND [ARG...]",
		Examples: []cli.Example{
			{Description: "Check free space", Command: "devbridge exec -a 192.168.7.2 -- df -h /"},
			{Description: "Use shell syntax", Command: "devbridge exec --shell -- 'dmesg | tail -n 20'"},
			{Description: "Follow a log until interrupted", Command: "devbridge exec --stream -- journalctl -f"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("exec", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing command; usage: devbridge exec [flags] -- COMMAND [ARG...]")
			}
			if params.Stream && params.OutputJSON {
				return fmt.Errorf("--stream and --json are mutually exclusive")
			}
			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()
			if params.Stream {
				return app.streamExec(ctx, conn.client, &params, args)
			}
			return app.oneShotExec(ctx, conn.client, &params, args)
		},
	}
}

func (app *App) oneShotExec(ctx context.Context, client *controller.Client, params *execParams, args []string) error {
	request := controller.ExecRequest{
		Command: args[0],
		Args:    args[1:],
		Dir:     params.Dir,
		Env:     params.Env,
		Timeout: params.Timeout,
	}
	if params.Shell {
		request = controller.ExecRequest{Command: strings.Join(args, " "), Shell: true,
			Dir: params.Dir, Env: params.Env, Timeout: params.Timeout}
	}
	result, err := client.Exec(ctx, request)
	if err != nil {
		return err
	}
	if done, err := params.EmitJSON(app.Stdout, result); done {
		if err != nil {
			return err
		}
		return exitStatus(result.ExitCode)
	}
	app.Stdout.Write(result.Stdout)
	app.Stderr.Write(result.Stderr)
	if result.TimedOut {
		fmt.Fprintf(app.Stderr, "devbridge: command timed out after %s\n",
			(time.Duration(result.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	return exitStatus(result.ExitCode)
}

// streamExec runs the command through the exec service.
func (app *App) streamExec(ctx context.Context, client *controller.Client, params *execParams, args []string) error {
	options := map[string]string{}
	if params.Shell {
		options["shell"] = "true"
	}
	if params.Dir != "" {
		options["cwd"] = params.Dir
	}
	for key, value := range params.Env {
		options["env."+key] = value
	}

	return app.runStream(ctx, client, controller.ServiceRequest{
		Service: agent.ServiceExec,
		Args:    args,
		Options: options,
	}, app.Stdin, params.Timeout)
}

// forwardInput copies r to the stream, then signals end of input. It
// stops early once the stream has closed.
func forwardInput(stream *session.Stream, r io.Reader) {
	if _, err := io.Copy(stream, r); err != nil {
		return
	}
	stream.CloseInput()
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	return &cli.ExitError{Code: code}
}
