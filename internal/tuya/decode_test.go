package tuya

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestDecodeSingle(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int64
	}{
		{"zero", be32(0), 0},
		{"energy", be32(123456), 123456},
		{"at threshold", be32(0x0FFFFFFF), 0x0FFFFFFF},
		{"just above threshold", be32(0x10000000), -161061276},
		{"small export", be32(0x19999999), -3},
		{"complement", be32(0x1999999C), 0},
		{"top of 32-bit range", be32(0xFFFFFFFF), 3865470563},
		{"eight bytes", []byte{0, 0, 0, 0, 0, 0, 0x03, 0xE8}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSingle(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSingleBelowThresholdUnchanged(t *testing.T) {
	for _, raw := range []uint32{1, 0xFF, 0xFFFF, 0x00ABCDEF, 0x0FFFFFFE} {
		got, err := DecodeSingle(be32(raw))
		require.NoError(t, err)
		assert.Equal(t, int64(raw), got, "raw 0x%08X", raw)
	}
}

func TestDecodeSingleWraparoundIsNegative(t *testing.T) {
	for raw := uint32(0x10000000); raw < 0x1999999C; raw += 0x00100003 {
		got, err := DecodeSingle(be32(raw))
		require.NoError(t, err)
		assert.Equal(t, (int64(0x1999999C)-int64(raw))*-1, got, "raw 0x%08X", raw)
		assert.Negative(t, got, "raw 0x%08X", raw)
	}
}

func TestDecodeSingleMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0x01}, {0x00, 0x00, 0x01}, make([]byte, 9)} {
		_, err := DecodeSingle(data)
		assert.ErrorIs(t, err, ErrMalformedPayload, "len %d", len(data))
	}

	_, err := DecodeSingle([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodePacked(t *testing.T) {
	// Fields at [0,1], [3,4], [6,7].
	p, err := DecodePacked([]byte{0x00, 0xE6, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, Packed{Voltage: 230, Current: 1000, Power: 100}, p)

	// Byte 5 is not part of any field.
	p, err = DecodePacked([]byte{0x00, 0xE6, 0x00, 0x00, 0x03, 0xE8, 0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, Packed{Voltage: 230, Current: 3, Power: 100}, p)
}

func TestDecodePackedNegativePower(t *testing.T) {
	p, err := DecodePacked([]byte{0x00, 0xE6, 0x00, 0x00, 0x10, 0x00, 0x90, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int64((0x999A-0x9000)*-1), p.Power)
	assert.Equal(t, int64(-2458), p.Power)

	// At the threshold no correction is applied.
	p, err = DecodePacked([]byte{0, 0, 0, 0, 0, 0, 0x7F, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, int64(0x7FFF), p.Power)
}

func TestDecodePackedVoltageCurrentNeverCorrected(t *testing.T) {
	p, err := DecodePacked([]byte{0xFF, 0xFF, 0x00, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, int64(0xFFFF), p.Voltage)
	assert.Equal(t, int64(0xFFFF), p.Current)
}

func TestDecodePackedMalformed(t *testing.T) {
	_, err := DecodePacked([]byte{0x00, 0xE6, 0x00, 0x03, 0xE8, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecoderDecode(t *testing.T) {
	payload := []byte{0x08, 0xFC, 0x00, 0x01, 0xF4, 0x00, 0xFF, 0xFF}
	tests := []struct {
		dec  Decoder
		want int64
	}{
		{DecoderPackedVoltage, 2300},
		{DecoderPackedCurrent, 500},
		{DecoderPackedPower, (0x999A - 0xFFFF) * -1},
		{DecoderSingle, 0x08FC0001F400FFFF - 0x1999999C},
	}
	for _, tt := range tests {
		t.Run(tt.dec.String(), func(t *testing.T) {
			got, err := tt.dec.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Decoder(0).Decode(payload)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestParseDecoder(t *testing.T) {
	for d, name := range decoderNames {
		got, err := ParseDecoder(name)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	got, err := ParseDecoder("")
	require.NoError(t, err)
	assert.Equal(t, DecoderSingle, got)

	_, err = ParseDecoder("float32")
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}
