package tuya

import "errors"

var (
	// ErrMalformedPayload is returned when a payload is too short (or too
	// long) for the decoder selected by its descriptor.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownDatapoint is returned when a report carries a DP id that the
	// mapping table has no descriptor for. Devices send these routinely.
	ErrUnknownDatapoint = errors.New("unknown datapoint")

	// ErrDuplicateRegistration is returned by NewTable when two entries claim
	// the same DP id or the same attribute slot.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrInvalidDescriptor is returned by NewTable for entries that can never
	// decode (empty slot, unknown decoder, non-positive divisor).
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)
