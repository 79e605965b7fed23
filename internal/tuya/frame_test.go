package tuya

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClusterPayload(t *testing.T) {
	// tuya_seq(2) + dp1: id=1 type=1(bool) len=1 val=true + dp2: id=2 type=2(value) len=4 val=250
	payload := []byte{
		0x00, 0x01, // tuya_seq
		0x01, 0x01, 0x00, 0x01, 0x01,
		0x02, 0x02, 0x00, 0x04, 0x00, 0x00, 0x00, 0xFA,
	}
	seq, reports, err := ParseClusterPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), seq)
	require.Len(t, reports, 2)
	assert.Equal(t, Report{DP: 1, Type: DPTypeBool, Payload: []byte{0x01}}, reports[0])
	assert.Equal(t, Report{DP: 2, Type: DPTypeValue, Payload: []byte{0x00, 0x00, 0x00, 0xFA}}, reports[1])
}

func TestParseDataPointsAllTypes(t *testing.T) {
	data := []byte{
		0x0A, 0x00, 0x00, 0x03, 0xDE, 0xAD, 0xBE, // raw
		0x0B, 0x01, 0x00, 0x01, 0x00, // bool
		0x0C, 0x02, 0x00, 0x04, 0x00, 0x00, 0x03, 0xE8, // value
		0x0D, 0x03, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o', // string
		0x0E, 0x04, 0x00, 0x01, 0x02, // enum
		0x0F, 0x05, 0x00, 0x02, 0x01, 0x02, // bitmap
	}
	reports, err := ParseDataPoints(data)
	require.NoError(t, err)
	require.Len(t, reports, 6)

	wantTypes := []DPType{DPTypeRaw, DPTypeBool, DPTypeValue, DPTypeString, DPTypeEnum, DPTypeBitmap}
	for i, r := range reports {
		assert.Equal(t, uint8(0x0A+i), r.DP)
		assert.Equal(t, wantTypes[i], r.Type)
	}
	assert.Equal(t, []byte("hello"), reports[3].Payload)
}

func TestParseDataPointsCopiesPayload(t *testing.T) {
	data := []byte{0x01, 0x02, 0x00, 0x04, 0x00, 0x00, 0x00, 0x01}
	reports, err := ParseDataPoints(data)
	require.NoError(t, err)
	data[7] = 0xFF
	assert.Equal(t, byte(0x01), reports[0].Payload[3])
}

func TestParseDataPointsTruncated(t *testing.T) {
	data := []byte{
		0x01, 0x02, 0x00, 0x04, 0x00, 0x00, 0x00, 0x01,
		0x02, 0x02, 0x00, 0x04, 0x00, 0x00,
	}
	reports, err := ParseDataPoints(data)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	require.Len(t, reports, 1, "records before the truncated one are kept")

	_, err = ParseDataPoints([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseClusterPayloadEmpty(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0x00, 0x01}} {
		_, reports, err := ParseClusterPayload(data)
		require.NoError(t, err)
		assert.Empty(t, reports)
	}
}
