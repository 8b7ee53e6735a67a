// Package tilecodec encodes and decodes the fixed-size byte payload of one
// Mandelbrot tile to a compact self-describing stream.
package tilecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TileSide is the edge length, in bytes, of one tile's square payload.
const TileSide = 4096

// TileBytes is the total payload size of one tile: TileSide*TileSide.
const TileBytes = TileSide * TileSide

const (
	encodingRaw byte = 0x00
	encodingRLE byte = 0x01
)

// ErrBadEncoding is returned when the leading encoding byte is unrecognized.
var ErrBadEncoding = errors.New("tilecodec: unknown encoding byte")

// ErrTruncatedStream is returned when decode runs out of input bytes
// before producing TileBytes output bytes.
var ErrTruncatedStream = errors.New("tilecodec: truncated stream")

// ErrLengthMismatch is returned when an RLE stream's run lengths sum to
// more or less than TileBytes, or contain a zero-length run.
var ErrLengthMismatch = errors.New("tilecodec: run lengths do not sum to tile size")

// Encode picks the shortest of the known encodings for tile (ties broken by
// encoding byte ascending) and returns the self-describing byte stream.
// tile must be exactly TileBytes long; Encode never fails.
func Encode(tile []byte) []byte {
	raw := encodeRaw(tile)
	rle := encodeRLE(tile)
	if len(rle) < len(raw) {
		return rle
	}
	return raw
}

func encodeRaw(tile []byte) []byte {
	out := make([]byte, 1+len(tile))
	out[0] = encodingRaw
	copy(out[1:], tile)
	return out
}

func encodeRLE(tile []byte) []byte {
	out := make([]byte, 0, len(tile)/8+1)
	out = append(out, encodingRLE)
	var buf [5]byte
	i := 0
	for i < len(tile) {
		v := tile[i]
		j := i + 1
		for j < len(tile) && tile[j] == v {
			j++
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(j-i))
		buf[4] = v
		out = append(out, buf[:]...)
		i = j
	}
	return out
}

// Decode parses a stream produced by Encode (or any conformant encoder) and
// returns the TileBytes payload.
func Decode(stream []byte) ([]byte, error) {
	if len(stream) == 0 {
		return nil, ErrTruncatedStream
	}
	switch stream[0] {
	case encodingRaw:
		return decodeRaw(stream[1:])
	case encodingRLE:
		return decodeRLE(stream[1:])
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadEncoding, stream[0])
	}
}

func decodeRaw(body []byte) ([]byte, error) {
	if len(body) < TileBytes {
		return nil, ErrTruncatedStream
	}
	out := make([]byte, TileBytes)
	copy(out, body[:TileBytes])
	return out, nil
}

func decodeRLE(body []byte) ([]byte, error) {
	out := make([]byte, 0, TileBytes)
	for len(out) < TileBytes {
		if len(body) < 5 {
			return nil, ErrTruncatedStream
		}
		length := binary.LittleEndian.Uint32(body[0:4])
		value := body[4]
		body = body[5:]
		if length == 0 {
			return nil, fmt.Errorf("%w: zero-length run", ErrLengthMismatch)
		}
		if uint64(len(out))+uint64(length) > TileBytes {
			return nil, fmt.Errorf("%w: overshoots tile size", ErrLengthMismatch)
		}
		for k := uint32(0); k < length; k++ {
			out = append(out, value)
		}
	}
	if len(out) != TileBytes {
		return nil, fmt.Errorf("%w: got %d bytes", ErrLengthMismatch, len(out))
	}
	return out, nil
}
