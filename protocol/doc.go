// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the devbridge wire protocol: the closed set
// of message variants exchanged between a controller and an agent, and
// the length-prefixed frame codec that carries them over any byte
// stream.
//
// # Frames
//
// Every message travels as one frame: a 4-byte big-endian unsigned
// length followed by exactly that many bytes of UTF-8 JSON. The JSON
// payload is an object whose "type" field selects the variant; the
// remaining fields belong to the variant. Binary fields (file chunks,
// stream data, captured stdout/stderr) use [Bytes], which serializes as
// {"$bytes": "<base64>"} so payloads survive a JSON round trip intact.
//
// Frames are limited to [MaxFrameBytes]. The [Decoder] reassembles
// frames from arbitrarily fragmented chunks: feeding a byte sequence in
// one call or split at any boundaries yields the same messages in the
// same order. Decode problems are reported in-band as synthetic *Error
// messages rather than Go errors, so the caller's dispatch loop sees one
// uniform stream:
//
//   - frame_too_large: the length header is zero or exceeds
//     MaxFrameBytes. The whole buffer is discarded because the stream
//     can no longer be trusted to be frame-aligned. [IsFatal] reports
//     true; the session layer tears the connection down.
//   - invalid_json: the frame was well-delimited but its payload did not
//     parse. Only that frame is dropped.
//   - unknown_message_type: the payload parsed but named a type outside
//     the closed set. Only that frame is dropped.
//
// # Correlation
//
// One-shot request/response variants embed [Call], carrying an optional
// callId that replies echo back. Stream variants carry a streamId
// chosen by whichever side opened the stream. Handshake variants carry
// neither and are consumed in arrival order.
package protocol
