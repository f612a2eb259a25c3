// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the pieces of chunked file transfer that
// do not depend on the connection: sandboxed path resolution, chunking
// with optional compression, and staged reassembly that only renames a
// file into place once its byte count and digest check out.
//
// Push (controller to agent) runs push_begin, push_chunk..., push_end,
// each acknowledged with a transfer_ack. Pull (agent to controller)
// runs pull_begin, a begin transfer_ack announcing the size, then
// pull_chunk... and a final pull_end. Every message of one transfer
// carries the same call identifier.
//
// Digests are keyed BLAKE3 over the uncompressed content, hex encoded.
// Chunks are compressed independently, so a receiver can decode each
// chunk as it arrives. A chunk that does not shrink travels raw with
// compressed=false.
package transfer
