// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/devbridge/protocol"
)

// errIncompressible means compression would not make the chunk
// smaller; the chunk is sent raw instead.
var errIncompressible = errors.New("chunk is incompressible")

// ParseCompression validates a compression name. The empty name means
// none.
func ParseCompression(name string) (protocol.Compression, error) {
	switch protocol.Compression(name) {
	case "", protocol.CompressionNone:
		return protocol.CompressionNone, nil
	case protocol.CompressionLZ4:
		return protocol.CompressionLZ4, nil
	case protocol.CompressionZstd:
		return protocol.CompressionZstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCompression, name)
	}
}

// compressChunk compresses data with algorithm. It reports
// compressed=false and returns data unchanged when the algorithm is
// none or the output would not be smaller.
func compressChunk(data []byte, algorithm protocol.Compression) ([]byte, bool, error) {
	var (
		compressed []byte
		err        error
	)
	switch algorithm {
	case "", protocol.CompressionNone:
		return data, false, nil
	case protocol.CompressionLZ4:
		compressed, err = compressLZ4(data)
	case protocol.CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedCompression, algorithm)
	}
	if errors.Is(err, errIncompressible) {
		return data, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return compressed, true, nil
}

// decompressChunk reverses compressChunk. The output must be exactly
// rawSize bytes.
func decompressChunk(payload []byte, algorithm protocol.Compression, rawSize int) ([]byte, error) {
	if rawSize < 0 || rawSize > protocol.MaxFrameBytes {
		return nil, fmt.Errorf("chunk declares raw size %d", rawSize)
	}
	switch algorithm {
	case protocol.CompressionLZ4:
		return decompressLZ4(payload, rawSize)
	case protocol.CompressionZstd:
		return decompressZstd(payload, rawSize)
	default:
		return nil, fmt.Errorf("%w: compressed chunk in a %q transfer", ErrUnsupportedCompression, algorithm)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for data it cannot shrink.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

// The zstd encoder and decoder are safe for concurrent use and costly
// to build, so one of each serves every transfer.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transfer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(protocol.MaxFrameBytes))
	if err != nil {
		panic("transfer: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawSize)
	}
	return result, nil
}
