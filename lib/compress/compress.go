// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression algorithm of a frame.
type Tag uint8

const (
	// None stores the body uncompressed.
	None Tag = 0

	// LZ4 is LZ4 block compression.
	LZ4 Tag = 1

	// Zstd is zstd at the default level.
	Zstd Tag = 2
)

// MaxDecodedSize bounds the original length a frame may declare. A
// corrupt or hostile header cannot make Decode allocate more than this.
const MaxDecodedSize = 256 << 20

// errIncompressible signals that compressing did not shrink the data.
var errIncompressible = errors.New("data is incompressible")

// String returns the configuration name of a tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a tag from its configuration name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// Encode compresses data with tag and returns a self-describing frame.
// If the algorithm does not shrink data the frame falls back to None.
func Encode(data []byte, tag Tag) ([]byte, error) {
	var body []byte
	var err error

	switch tag {
	case None:
		body = data
	case LZ4:
		body, err = compressLZ4(data)
	case Zstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		tag, body, err = None, data, nil
	}
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 1+binary.MaxVarintLen64, 1+binary.MaxVarintLen64+len(body))
	frame[0] = byte(tag)
	headerLength := 1 + binary.PutUvarint(frame[1:], uint64(len(data)))
	frame = append(frame[:headerLength], body...)
	return frame, nil
}

// Decode parses a frame produced by Encode and returns the original
// bytes. The declared length is verified against the decoded body.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("compress: frame too short (%d bytes)", len(frame))
	}
	tag := Tag(frame[0])
	size, read := binary.Uvarint(frame[1:])
	if read <= 0 {
		return nil, fmt.Errorf("compress: invalid length header")
	}
	if size > MaxDecodedSize {
		return nil, fmt.Errorf("compress: declared size %d exceeds limit %d", size, MaxDecodedSize)
	}
	body := frame[1+read:]

	switch tag {
	case None:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("compress: uncompressed body is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case LZ4:
		return decompressLZ4(body, int(size))
	case Zstd:
		return decompressZstd(body, int(size))
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// zstd encoders and decoders are safe for concurrent use and expensive
// to construct, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
