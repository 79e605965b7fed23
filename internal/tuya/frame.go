package tuya

import (
	"encoding/binary"
	"fmt"
)

// DPType is the Tuya wire type byte that precedes every datapoint value.
type DPType uint8

const (
	DPTypeRaw    DPType = 0
	DPTypeBool   DPType = 1
	DPTypeValue  DPType = 2 // 4-byte big-endian
	DPTypeString DPType = 3
	DPTypeEnum   DPType = 4
	DPTypeBitmap DPType = 5
)

func (t DPType) String() string {
	switch t {
	case DPTypeRaw:
		return "raw"
	case DPTypeBool:
		return "bool"
	case DPTypeValue:
		return "value"
	case DPTypeString:
		return "string"
	case DPTypeEnum:
		return "enum"
	case DPTypeBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t DPType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseDataPoints splits a sequence of DP records into reports.
// Format: repeated [dp_id(1) + dp_type(1) + data_len(2 BE) + data(N)].
// Records parsed before a truncated one are returned together with the error.
func ParseDataPoints(data []byte) ([]Report, error) {
	var reports []Report
	pos := 0
	for pos+4 <= len(data) {
		dp := data[pos]
		typ := DPType(data[pos+1])
		n := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return reports, fmt.Errorf("dp %d: need %d bytes at offset %d, have %d: %w",
				dp, n, pos, len(data)-pos, ErrMalformedPayload)
		}
		payload := make([]byte, n)
		copy(payload, data[pos:pos+n])
		pos += n
		reports = append(reports, Report{DP: dp, Type: typ, Payload: payload})
	}
	if pos != len(data) {
		return reports, fmt.Errorf("%d trailing bytes at offset %d: %w", len(data)-pos, pos, ErrMalformedPayload)
	}
	return reports, nil
}

// ParseClusterPayload parses the payload of a Tuya 0xEF00 cluster command:
// tuya_seq(2 BE) followed by DP records.
func ParseClusterPayload(data []byte) (uint16, []Report, error) {
	if len(data) < 2 {
		return 0, nil, nil
	}
	seq := binary.BigEndian.Uint16(data[:2])
	reports, err := ParseDataPoints(data[2:])
	return seq, reports, err
}
