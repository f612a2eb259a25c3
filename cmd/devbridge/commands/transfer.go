// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/controller"
	"github.com/bureau-foundation/devbridge/transfer"
)

type transferParams struct {
	ConnectionParams
	cli.JSONOutput
	Compression string `flag:"compression,z" desc:"chunk compression: none, lz4, or zstd (default: controller.compression)"`
	Mode        string `flag:"mode" desc:"octal permission for the created file (default: the source's)"`
	Quiet       bool   `flag:"quiet,q" desc:"do not report progress"`
}

// transferOptions builds controller options from the flags and the
// configured defaults.
func (params *transferParams) transferOptions(app *App, conn *connection) (controller.TransferOptions, error) {
	name := params.Compression
	if name == "" {
		name = conn.config.Controller.Compression
	}
	compression, err := transfer.ParseCompression(name)
	if err != nil {
		return controller.TransferOptions{}, err
	}
	options := controller.TransferOptions{Compression: compression}
	if params.Mode != "" {
		mode, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil || mode > 0o777 {
			return controller.TransferOptions{}, fmt.Errorf("invalid --mode %q: want an octal permission such as 0644", params.Mode)
		}
		options.Mode = fs.FileMode(mode)
	}
	if !params.Quiet && !params.OutputJSON {
		options.Progress = progressReporter(app.Stderr)
	}
	return options, nil
}

// progressReporter prints whole-percent progress on one line.
func progressReporter(w io.Writer) func(done, total int64) {
	last := -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		percent := int(done * 100 / total)
		if percent == last {
			return
		}
		last = percent
		fmt.Fprintf(w, "\r%3d%% %s / %s", percent, formatBytes(done), formatBytes(total))
		if done >= total {
			fmt.Fprintln(w)
		}
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (app *App) pushCommand() *cli.Command {
	var params transferParams
	return &cli.Command{
		Name:    "push",
		Summary: "Upload a file to an agent",
		Description: `Upload a local file to a path under the agent's file root. The agent
writes to a staging file and renames it into place only after the size
and BLAKE3 digest match, so an interrupted push leaves nothing behind.
A remote path ending in / keeps the local file name.`,
		Usage: "devbridge push [flags] LOCAL REMOTE",
		Examples: []cli.Example{
			{Description: "Install firmware into the agent's staging area", Command: "devbridge push build/fw.bin firmware/"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("push", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: devbridge push [flags] LOCAL REMOTE")
			}
			local, remote := args[0], args[1]
			if remote == "" || remote[len(remote)-1] == '/' {
				remote = path.Join(remote, filepath.Base(local))
			}

			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()
			options, err := params.transferOptions(app, conn)
			if err != nil {
				return err
			}

			result, err := conn.client.Push(ctx, local, remote, options)
			if err != nil {
				return err
			}
			return app.reportTransfer(&params, result, "pushed")
		},
	}
}

func (app *App) pullCommand() *cli.Command {
	var params transferParams
	return &cli.Command{
		Name:    "pull",
		Summary: "Download a file from an agent",
		Description: `Download a file from under the agent's file root. The local file is
written only after the transfer completes and verifies; a failed pull
leaves no partial file. A local path that is a directory keeps the
remote file name.`,
		Usage: "devbridge pull [flags] REMOTE LOCAL",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("pull", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: devbridge pull [flags] REMOTE LOCAL")
			}
			remote, local := args[0], args[1]
			if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, path.Base(remote))
			}

			conn, err := app.connect(ctx, &params.ConnectionParams, authenticated)
			if err != nil {
				return err
			}
			defer conn.Close()
			options, err := params.transferOptions(app, conn)
			if err != nil {
				return err
			}

			result, err := conn.client.Pull(ctx, remote, local, options)
			if err != nil {
				return err
			}
			return app.reportTransfer(&params, result, "pulled")
		},
	}
}

func (app *App) reportTransfer(params *transferParams, result *controller.TransferResult, verb string) error {
	if done, err := params.EmitJSON(app.Stdout, result); done {
		return err
	}
	if !params.Quiet {
		fmt.Fprintf(app.Stdout, "%s %s (%s, blake3 %s)\n", verb, result.RemotePath,
			formatBytes(result.Bytes), result.Digest)
	}
	return nil
}
