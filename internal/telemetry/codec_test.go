package telemetry

import (
	"bufio"
	"bytes"
	"math"
	"testing"

	"codeberg.org/mutker/balancectl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T, name string, id uint16) *Schema {
	t.Helper()

	s := NewSchema(name, id)
	require.NoError(t, s.AddByte("state"))
	require.NoError(t, s.AddWord("status"))
	require.NoError(t, s.AddInt("gdx"))
	require.NoError(t, s.AddDouble("cx"))

	return s
}

func testValues(i int) []any {
	return []any{uint8(i), uint16(0x400 + i), int32(-i * 100), float64(i) / 4}
}

func decodeFrame(t *testing.T, b []byte) frame {
	t.Helper()

	r := bufio.NewReader(bytes.NewReader(b))
	h, err := r.ReadByte()
	require.NoError(t, err)
	f, err := readFrameBody(r, h)
	require.NoError(t, err)
	assert.Zero(t, r.Buffered())

	return f
}

func TestRecordRoundTrip(t *testing.T) {
	s := testSchema(t, "mixed", 1)
	values := []any{uint8(250), uint16(0xBEEF), int32(-123456), -1.5e-3}

	b, err := EncodeRecord(s, 12.25, values...)
	require.NoError(t, err)
	assert.Len(t, b, 3+s.RecordSize())

	f := decodeFrame(t, b)
	assert.False(t, f.control)
	assert.False(t, f.replay)
	assert.Equal(t, uint16(1), f.streamID)

	rec, err := DecodePayload(s, f.payload)
	require.NoError(t, err)
	assert.Equal(t, 12.25, rec.Timestamp)
	assert.Equal(t, values, rec.Values)
	assert.Equal(t, -123456.0, rec.Float(2))
}

func TestRecordMismatch(t *testing.T) {
	s := testSchema(t, "mixed", 1)

	_, err := EncodeRecord(s, 1, uint8(1), uint16(2), int32(3))
	assert.True(t, errors.HasCode(err, ErrRecordMismatch))

	_, err = EncodeRecord(s, 1, uint8(1), uint16(2), 3, 4.0)
	assert.True(t, errors.HasCode(err, ErrRecordMismatch), "int is not int32")

	_, err = DecodePayload(s, make([]byte, s.RecordSize()-1))
	assert.True(t, errors.HasCode(err, ErrRecordSize))
}

func TestWideFrameHeader(t *testing.T) {
	s := NewSchema("wide", 300)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z", "aa", "ab", "ac", "ad", "ae", "af"} {
		require.NoError(t, s.AddDouble(name))
	}
	require.Greater(t, s.RecordSize(), 0xFF)

	values := make([]any, s.Len())
	for i := range values {
		values[i] = float64(i)
	}

	b, err := EncodeRecord(s, 7, values...)
	require.NoError(t, err)
	assert.Equal(t, byte(headerWideID|headerLen16), b[0])

	f := decodeFrame(t, b)
	assert.Equal(t, uint16(300), f.streamID)

	rec, err := DecodePayload(s, f.payload)
	require.NoError(t, err)
	assert.Equal(t, values, rec.Values)
}

func TestReplayFlag(t *testing.T) {
	b := frameHeader(nil, 2, 16, true)
	b = append(b, make([]byte, 16)...)

	f := decodeFrame(t, b)
	assert.True(t, f.replay)
	assert.Equal(t, uint16(2), f.streamID)
	assert.Len(t, f.payload, 16)
}

func TestHandshakeRoundTrip(t *testing.T) {
	a := testSchema(t, "balance-data", 1)
	b := testSchema(t, "status", 2)

	raw, err := encodeHandshake([]*Schema{a, b})
	require.NoError(t, err)
	assert.Equal(t, "STRS", string(raw[:4]))

	got, err := readHandshake(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].sameLayout(a))
	assert.True(t, got[1].sameLayout(b))

	raw[0] = 'X'
	_, err = readHandshake(bytes.NewReader(raw))
	assert.True(t, errors.HasCode(err, ErrProtocol))
}

func TestFetchMessages(t *testing.T) {
	req := fetchRequest{ID: 9, Stream: 1, From: 2.5, To: math.Inf(1)}

	got, err := readFetchRequest(bytes.NewReader(req.encode()))
	require.NoError(t, err)
	assert.Equal(t, req, got)

	done := fetchComplete{ID: 9, Count: 3, ServedTo: 4.75}
	f := decodeFrame(t, done.encode())
	assert.True(t, f.control)
	assert.Equal(t, done, f.complete)
}
