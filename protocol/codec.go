// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the largest payload a frame may declare. A 64 KiB
// file chunk inflates to roughly 88 KiB of base64, so the limit leaves
// ample room while keeping a corrupt length header from committing the
// receiver to an unbounded allocation.
const MaxFrameBytes = 8 << 20

// frameHeaderLength is the size of the big-endian length prefix.
const frameHeaderLength = 4

// ErrUnknownType is returned by Unmarshal for a payload whose type is
// not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

type envelope struct {
	Type Type `json:"type"`
}

// Marshal returns the JSON payload for msg: the variant's fields with
// the "type" discriminator first.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("marshal: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	head, err := json.Marshal(envelope{Type: msg.Type()})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	// head is {"type":"..."}; splice the variant's fields after it.
	payload := make([]byte, 0, len(head)+len(body))
	payload = append(payload, head[:len(head)-1]...)
	payload = append(payload, ',')
	payload = append(payload, body[1:]...)
	return payload, nil
}

// Unmarshal decodes a JSON payload into its variant. Payloads with an
// unrecognized type return an error wrapping ErrUnknownType.
func Unmarshal(payload []byte) (Message, error) {
	var head envelope
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	msg := New(head.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", head.Type, err)
	}
	return msg, nil
}

// Encode returns msg as a complete frame: the 4-byte big-endian payload
// length followed by the JSON payload.
func Encode(msg Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameBytes {
		return nil, fmt.Errorf("encode %s: payload is %d bytes, limit is %d", msg.Type(), len(payload), MaxFrameBytes)
	}
	frame := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[:frameHeaderLength], uint32(len(payload)))
	copy(frame[frameHeaderLength:], payload)
	return frame, nil
}

// WriteMessage encodes msg and writes the frame to w in a single Write
// call, so concurrent writers serialized by a mutex never interleave
// partial frames.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type(), err)
	}
	return nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. A Decoder is stateful and not safe for concurrent use; give
// each connection its own.
type Decoder struct {
	buffer   []byte
	maxFrame int
}

// NewDecoder returns a Decoder enforcing MaxFrameBytes.
func NewDecoder() *Decoder {
	return &Decoder{maxFrame: MaxFrameBytes}
}

// Buffered returns the number of bytes held waiting for the rest of a
// frame.
func (d *Decoder) Buffered() int { return len(d.buffer) }

// Feed appends chunk to the internal buffer and returns every message
// that is now complete, in order. Frames that cannot be decoded appear
// in the result as synthetic *Error messages (see the package
// documentation). After a frame_too_large error the buffer is empty
// and that error is the last message returned.
func (d *Decoder) Feed(chunk []byte) []Message {
	d.buffer = append(d.buffer, chunk...)

	var messages []Message
	consumed := 0
	for len(d.buffer)-consumed >= frameHeaderLength {
		length := binary.BigEndian.Uint32(d.buffer[consumed : consumed+frameHeaderLength])
		if length == 0 || uint64(length) > uint64(d.maxFrame) {
			messages = append(messages, decodeError(CodeFrameTooLarge,
				"declared frame length %d outside 1..%d", length, d.maxFrame))
			d.buffer = nil
			return messages
		}
		end := consumed + frameHeaderLength + int(length)
		if end > len(d.buffer) {
			break
		}
		payload := d.buffer[consumed+frameHeaderLength : end]
		consumed = end

		msg, err := Unmarshal(payload)
		switch {
		case errors.Is(err, ErrUnknownType):
			messages = append(messages, decodeError(CodeUnknownMessageType, "%v", err))
		case err != nil:
			messages = append(messages, decodeError(CodeInvalidJSON, "%v", err))
		default:
			messages = append(messages, msg)
		}
	}

	if consumed > 0 {
		remaining := len(d.buffer) - consumed
		if remaining == 0 {
			d.buffer = d.buffer[:0]
		} else {
			d.buffer = append(make([]byte, 0, remaining), d.buffer[consumed:]...)
		}
	}
	return messages
}

// FrameReader yields whole messages from a raw byte stream, for
// transports that deliver bytes without regard to frame boundaries.
type FrameReader struct {
	reader  io.Reader
	decoder *Decoder
	pending []Message
	buffer  []byte
	err     error
}

// NewFrameReader returns a FrameReader reading from r in chunks of up
// to readSize bytes. A readSize of zero selects 32 KiB.
func NewFrameReader(r io.Reader, readSize int) *FrameReader {
	if readSize <= 0 {
		readSize = 32 << 10
	}
	return &FrameReader{
		reader:  r,
		decoder: NewDecoder(),
		buffer:  make([]byte, readSize),
	}
}

// ReadMessage returns the next message. Decode problems are returned
// as synthetic *Error messages, not as errors; the error return is
// reserved for the underlying reader. Messages completed before a read
// error are delivered before the error.
func (f *FrameReader) ReadMessage() (Message, error) {
	for len(f.pending) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		n, err := f.reader.Read(f.buffer)
		if n > 0 {
			f.pending = f.decoder.Feed(f.buffer[:n])
		}
		if err != nil {
			f.err = err
		}
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, nil
}
