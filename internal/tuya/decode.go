package tuya

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wraparound constants for negative power readings. Captured from device
// traffic (zigbee2mqtt issue 18603), not derived from the field width.
const (
	singleThreshold  = 0x0FFFFFFF
	singleComplement = 0x1999999C

	packedThreshold  = 0x7FFF
	packedComplement = 0x999A
)

const (
	singleMinLen = 4
	singleMaxLen = 8
	packedMinLen = 8
)

// Decoder selects how a DP payload is turned into a signed integer.
type Decoder uint8

const (
	DecoderSingle        Decoder = iota + 1 // whole payload, wraparound corrected
	DecoderPackedVoltage                    // bytes [0,1]
	DecoderPackedCurrent                    // bytes [3,4]
	DecoderPackedPower                      // bytes [6,7], wraparound corrected
)

var decoderNames = map[Decoder]string{
	DecoderSingle:        "single",
	DecoderPackedVoltage: "packed_voltage",
	DecoderPackedCurrent: "packed_current",
	DecoderPackedPower:   "packed_power",
}

func (d Decoder) String() string {
	if name, ok := decoderNames[d]; ok {
		return name
	}
	return fmt.Sprintf("decoder(%d)", uint8(d))
}

// Valid reports whether d is one of the known decoders.
func (d Decoder) Valid() bool {
	_, ok := decoderNames[d]
	return ok
}

// ParseDecoder maps a profile decoder name to a Decoder.
func ParseDecoder(name string) (Decoder, error) {
	if name == "" {
		return DecoderSingle, nil
	}
	for d, n := range decoderNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("decoder %q: %w", name, ErrInvalidDescriptor)
}

// MarshalText implements encoding.TextMarshaler.
func (d Decoder) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decoder) UnmarshalText(text []byte) error {
	v, err := ParseDecoder(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Decode applies the decoder to a payload.
func (d Decoder) Decode(data []byte) (int64, error) {
	switch d {
	case DecoderSingle:
		return DecodeSingle(data)
	case DecoderPackedVoltage, DecoderPackedCurrent, DecoderPackedPower:
		p, err := DecodePacked(data)
		if err != nil {
			return 0, err
		}
		switch d {
		case DecoderPackedVoltage:
			return p.Voltage, nil
		case DecoderPackedCurrent:
			return p.Current, nil
		default:
			return p.Power, nil
		}
	default:
		return 0, fmt.Errorf("%s: %w", d, ErrInvalidDescriptor)
	}
}

// DecodeSingle reads the whole payload as a big-endian unsigned integer and
// undoes the device's truncated negative range.
func DecodeSingle(data []byte) (int64, error) {
	if len(data) < singleMinLen || len(data) > singleMaxLen {
		return 0, fmt.Errorf("single field: need %d-%d bytes, have %d: %w",
			singleMinLen, singleMaxLen, len(data), ErrMalformedPayload)
	}
	var raw uint64
	for _, b := range data {
		raw = raw<<8 | uint64(b)
	}
	if raw <= singleThreshold {
		return int64(raw), nil
	}
	// (complement - raw) * -1, rewritten as raw - complement so that 8-byte
	// payloads near the top of the range do not overflow.
	if raw <= math.MaxInt64 {
		return int64(raw) - singleComplement, nil
	}
	diff := raw - singleComplement
	if diff > math.MaxInt64 {
		return 0, fmt.Errorf("single field: 0x%X out of range: %w", raw, ErrMalformedPayload)
	}
	return int64(diff), nil
}

// Packed holds the three fields of a packed voltage/current/power payload.
type Packed struct {
	Voltage int64
	Current int64
	Power   int64
}

// DecodePacked extracts voltage, current and power from a packed payload.
// Only power carries the wraparound correction.
func DecodePacked(data []byte) (Packed, error) {
	if len(data) < packedMinLen {
		return Packed{}, fmt.Errorf("packed: need %d bytes, have %d: %w",
			packedMinLen, len(data), ErrMalformedPayload)
	}
	power := int64(binary.BigEndian.Uint16(data[6:8]))
	if power > packedThreshold {
		power = (packedComplement - power) * -1
	}
	return Packed{
		Voltage: int64(binary.BigEndian.Uint16(data[0:2])),
		Current: int64(binary.BigEndian.Uint16(data[3:5])),
		Power:   power,
	}, nil
}
