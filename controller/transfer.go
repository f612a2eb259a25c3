// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/session"
	"github.com/bureau-foundation/devbridge/transfer"
)

// pushWindow is how many push_chunk messages may await their ack.
// It stays below the session's per-call buffer.
const pushWindow = 8

// TransferOptions tune Push and Pull.
type TransferOptions struct {
	Compression protocol.Compression
	// ChunkSize is the raw bytes per chunk. Zero selects
	// transfer.ChunkSize.
	ChunkSize int
	// Mode is the permission of the created file. Zero keeps the
	// source file's permission bits.
	Mode fs.FileMode
	// Progress, when set, is called with the running byte count and
	// the file's total size.
	Progress func(done, total int64)
}

// TransferResult describes a completed transfer.
type TransferResult struct {
	RemotePath string `json:"remotePath"`
	Bytes      int64  `json:"bytes"`
	Digest     string `json:"digest"`
}

// Push uploads localPath to remotePath under the agent's file root.
// The agent writes to a temporary file and renames it into place only
// after the byte count and digest match, so a failed push leaves
// nothing behind.
func (c *Client) Push(ctx context.Context, localPath, remotePath string, options TransferOptions) (result *TransferResult, err error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("push %s: not a regular file", localPath)
	}
	mode := options.Mode
	if mode == 0 {
		mode = info.Mode().Perm()
	}

	subscription, err := c.session.Subscribe(c.session.NewCallID())
	if err != nil {
		return nil, err
	}
	defer subscription.Close()
	callID := subscription.CallID()

	err = c.session.Send(&protocol.PushBegin{
		Call:        protocol.Call{CallID: callID},
		RemotePath:  remotePath,
		Size:        info.Size(),
		Compression: options.Compression,
		Mode:        uint32(mode),
	})
	if err != nil {
		return nil, err
	}
	// A push abandoned on this side would otherwise hold the agent's
	// single upload slot. The agent ignores the abort when it already
	// ended the upload with an error.
	defer func() {
		if err == nil {
			return
		}
		abort := &protocol.PushAbort{Call: protocol.Call{CallID: callID}, Reason: err.Error()}
		if sendErr := c.session.Send(abort); sendErr != nil {
			c.logger.Debug("push abort not sent", "remote_path", remotePath, "error", sendErr)
		}
	}()
	if _, err := nextAck(ctx, subscription, protocol.StageBegin); err != nil {
		return nil, fmt.Errorf("push %s: %w", remotePath, err)
	}

	chunker := transfer.NewChunker(file, options.Compression, options.ChunkSize)
	outstanding := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("push %s: %w", remotePath, err)
		}
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("push %s: reading %s: %w", remotePath, localPath, err)
		}
		err = c.session.Send(&protocol.PushChunk{
			Call:       protocol.Call{CallID: callID},
			Payload:    chunk.Payload,
			Compressed: chunk.Compressed,
			RawSize:    chunk.RawSize,
		})
		if err != nil {
			return nil, err
		}
		outstanding++
		if outstanding >= pushWindow {
			if err := c.chunkAck(ctx, subscription, options.Progress, info.Size()); err != nil {
				return nil, fmt.Errorf("push %s: %w", remotePath, err)
			}
			outstanding--
		}
	}
	for ; outstanding > 0; outstanding-- {
		if err := c.chunkAck(ctx, subscription, options.Progress, info.Size()); err != nil {
			return nil, fmt.Errorf("push %s: %w", remotePath, err)
		}
	}

	err = c.session.Send(&protocol.PushEnd{
		Call:   protocol.Call{CallID: callID},
		Bytes:  chunker.Bytes(),
		Digest: chunker.Digest(),
	})
	if err != nil {
		return nil, err
	}
	ack, err := nextAck(ctx, subscription, protocol.StageEnd)
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", remotePath, err)
	}
	c.logger.Info("push complete", "remote_path", ack.RemotePath, "bytes", ack.Bytes)
	return &TransferResult{RemotePath: ack.RemotePath, Bytes: ack.Bytes, Digest: ack.Digest}, nil
}

func (c *Client) chunkAck(ctx context.Context, subscription *session.Subscription, progress func(int64, int64), total int64) error {
	ack, err := nextAck(ctx, subscription, protocol.StageChunk)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(ack.Bytes, total)
	}
	return nil
}

// nextAck waits for a transfer_ack of the given stage on the transfer's
// call.
func nextAck(ctx context.Context, subscription *session.Subscription, stage string) (*protocol.TransferAck, error) {
	msg, err := subscription.Next(ctx, 0)
	if err != nil {
		return nil, err
	}
	if remote := session.AsRemoteError(msg); remote != nil {
		return nil, remote
	}
	ack, ok := msg.(*protocol.TransferAck)
	if !ok || ack.Stage != stage {
		return nil, fmt.Errorf("%w: got %s, want transfer_ack %s", session.ErrUnexpectedMessage, msg.Type(), stage)
	}
	return ack, nil
}

// Pull downloads remotePath from the agent's file root to localPath.
// Chunks are staged beside localPath and renamed into place once the
// byte count and digest match; on any failure the partial download is
// removed.
func (c *Client) Pull(ctx context.Context, remotePath, localPath string, options TransferOptions) (*TransferResult, error) {
	subscription, err := c.session.Subscribe(c.session.NewCallID())
	if err != nil {
		return nil, err
	}
	defer subscription.Close()

	err = c.session.Send(&protocol.PullBegin{
		Call:        protocol.Call{CallID: subscription.CallID()},
		RemotePath:  remotePath,
		Compression: options.Compression,
	})
	if err != nil {
		return nil, err
	}
	begin, err := nextAck(ctx, subscription, protocol.StageBegin)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", remotePath, err)
	}

	mode := options.Mode
	if mode == 0 {
		mode = 0o644
	}
	assembler, err := transfer.NewAssembler(localPath, options.Compression, begin.Size, mode)
	if err != nil {
		return nil, err
	}
	defer assembler.Abort()

	for {
		msg, err := subscription.Next(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", remotePath, err)
		}
		switch m := msg.(type) {
		case *protocol.PullChunk:
			written, err := assembler.Write(m.Payload, m.Compressed, m.RawSize)
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", remotePath, err)
			}
			if options.Progress != nil {
				options.Progress(written, begin.Size)
			}
		case *protocol.PullEnd:
			digest, err := assembler.Commit(m.Bytes, m.Digest)
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", remotePath, err)
			}
			c.logger.Info("pull complete", "remote_path", remotePath, "bytes", m.Bytes)
			return &TransferResult{RemotePath: remotePath, Bytes: m.Bytes, Digest: digest}, nil
		default:
			if remote := session.AsRemoteError(msg); remote != nil {
				return nil, fmt.Errorf("pull %s: %w", remotePath, remote)
			}
			return nil, fmt.Errorf("pull %s: %w: got %s", remotePath, session.ErrUnexpectedMessage, msg.Type())
		}
	}
}
