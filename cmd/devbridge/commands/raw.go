// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/devbridge/cmd/devbridge/cli"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
)

type rawParams struct {
	ConnectionParams
	NoAuth  bool          `flag:"no-auth" desc:"send without authenticating (handshake and pre-authentication traffic)"`
	Wait    time.Duration `flag:"wait" desc:"how long to wait for each reply" default:"10s"`
	NoReply bool          `flag:"no-reply" desc:"do not wait for replies to uncorrelated messages"`
}

func (app *App) rawCommand() *cli.Command {
	var params rawParams
	return &cli.Command{
		Name:    "raw",
		Summary: "Send protocol messages from a JSONC file",
		Description: `Send one message, or an array of messages, written as JSON with
comments and trailing commas allowed. Each reply is printed as JSON.
Requests that carry a call identifier (or would, such as status and
exec) are matched to their reply; other messages print the next
unsolicited message. Use "-" to read from stdin.`,
		Usage: "devbridge raw [flags] FILE",
		Examples: []cli.Example{
			{
				Description: "Query status by hand",
				Command:     `echo '{"type": "status", /* no fields */}' | devbridge raw -`,
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("raw", &params) },
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: devbridge raw [flags] FILE")
			}
			messages, err := app.readRawMessages(args[0])
			if err != nil {
				return err
			}

			mode := authenticated
			if params.NoAuth {
				mode = helloOnly
			}
			conn, err := app.connect(ctx, &params.ConnectionParams, mode)
			if err != nil {
				return err
			}
			defer conn.Close()

			failed := false
			sess := conn.client.Session()
			for _, msg := range messages {
				reply, err := exchange(ctx, sess, msg, params.Wait, !params.NoReply)
				var remote *session.RemoteError
				switch {
				case errors.As(err, &remote):
					failed = true
					reply = protocol.NewError(remote.Code, "%s", remote.Message)
				case err != nil:
					return err
				}
				if reply == nil {
					continue
				}
				if err := printMessage(app.Stdout, reply); err != nil {
					return err
				}
			}
			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// readRawMessages parses path ("-" for stdin) as JSONC holding one
// message object or an array of them.
func (app *App) readRawMessages(path string) ([]protocol.Message, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(app.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return parseRawMessages(data)
}

func parseRawMessages(data []byte) ([]protocol.Message, error) {
	stripped := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(stripped) == 0 {
		return nil, fmt.Errorf("no messages")
	}
	var payloads []json.RawMessage
	if stripped[0] == '[' {
		if err := json.Unmarshal(stripped, &payloads); err != nil {
			return nil, fmt.Errorf("parsing message array: %w", err)
		}
	} else {
		payloads = []json.RawMessage{stripped}
	}

	messages := make([]protocol.Message, 0, len(payloads))
	for i, payload := range payloads {
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// exchange sends msg and returns its reply: the correlated reply for
// requests, the next unsolicited message otherwise (nil when waitNext
// is false).
func exchange(ctx context.Context, sess *session.Session, msg protocol.Message, wait time.Duration, waitNext bool) (protocol.Message, error) {
	if request, ok := msg.(protocol.Correlated); ok {
		return sess.Call(ctx, request, wait)
	}
	if err := sess.Send(msg); err != nil {
		return nil, err
	}
	if !waitNext {
		return nil, nil
	}
	return sess.Next(ctx, wait)
}

func printMessage(w io.Writer, msg protocol.Message) error {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, payload, "", "  "); err != nil {
		return err
	}
	indented.WriteByte('\n')
	_, err = w.Write(indented.Bytes())
	return err
}
