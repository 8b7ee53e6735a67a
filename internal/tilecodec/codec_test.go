package tilecodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func uniformTile(v byte) []byte {
	t := make([]byte, TileBytes)
	for i := range t {
		t[i] = v
	}
	return t
}

func TestRoundTripUniform(t *testing.T) {
	for _, v := range []byte{0x00, 0x01, 0xff} {
		tile := uniformTile(v)
		encoded := Encode(tile)
		decoded, err := Decode(encoded)
		assert.NoError(t, err)
		assert.True(t, bytes.Equal(tile, decoded))
	}
}

func TestUniformPicksRLE(t *testing.T) {
	tile := uniformTile(0x01)
	encoded := Encode(tile)
	assert.Equal(t, encodingRLE, encoded[0])
	assert.Less(t, len(encoded), len(tile))
}

func TestHighEntropyPicksRawWithOneByteOverhead(t *testing.T) {
	tile := make([]byte, TileBytes)
	for i := range tile {
		tile[i] = byte(i * 2654435761)
	}
	encoded := Encode(tile)
	assert.Equal(t, encodingRaw, encoded[0])
	assert.Equal(t, len(tile)+1, len(encoded))

	decoded, err := Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(tile, decoded))
}

func TestRoundTripBanded(t *testing.T) {
	tile := make([]byte, TileBytes)
	for i := range tile {
		tile[i] = byte((i / TileSide) % 3)
	}
	encoded := Encode(tile)
	decoded, err := Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(tile, decoded))
}

func TestDecodeBadEncoding(t *testing.T) {
	_, err := Decode([]byte{0x02, 0x00})
	assert.ErrorIs(t, err, ErrBadEncoding)
}

func TestDecodeTruncatedRaw(t *testing.T) {
	_, err := Decode([]byte{encodingRaw, 1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncatedStream)
}

func TestDecodeTruncatedRLE(t *testing.T) {
	_, err := Decode([]byte{encodingRLE, 1, 0, 0})
	assert.ErrorIs(t, err, ErrTruncatedStream)
}

func TestDecodeRLEZeroLengthRun(t *testing.T) {
	stream := []byte{encodingRLE, 0, 0, 0, 0, 0x01}
	_, err := Decode(stream)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeRLEOvershoot(t *testing.T) {
	stream := make([]byte, 0, 6)
	stream = append(stream, encodingRLE)
	buf := make([]byte, 4)
	// a single run claiming one more byte than the tile holds
	overshoot := uint32(TileBytes + 1)
	buf[0] = byte(overshoot)
	buf[1] = byte(overshoot >> 8)
	buf[2] = byte(overshoot >> 16)
	buf[3] = byte(overshoot >> 24)
	stream = append(stream, buf...)
	stream = append(stream, 0x01)
	_, err := Decode(stream)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestEncodeNeverExceedsRawPlusOneByte(t *testing.T) {
	tile := make([]byte, TileBytes)
	for i := range tile {
		tile[i] = byte(i)
	}
	encoded := Encode(tile)
	assert.LessOrEqual(t, len(encoded), len(tile)+1)
}
