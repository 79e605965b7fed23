package tuya

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// StateClass is the aggregation kind a consumer should apply to a slot.
type StateClass string

const (
	StateMeasurement     StateClass = "measurement"
	StateTotal           StateClass = "total"
	StateTotalIncreasing StateClass = "total_increasing"
)

// Valid reports whether s is empty or a known state class.
func (s StateClass) Valid() bool {
	switch s {
	case "", StateMeasurement, StateTotal, StateTotalIncreasing:
		return true
	}
	return false
}

// Descriptor binds one datapoint to a decoder, a scale and an attribute slot.
type Descriptor struct {
	DP             uint8      `json:"dp"`
	Decoder        Decoder    `json:"decoder"`
	Divisor        float64    `json:"divisor"`
	Slot           string     `json:"slot"`
	Unit           string     `json:"unit,omitempty"`
	DeviceClass    string     `json:"device_class,omitempty"`
	StateClass     StateClass `json:"state_class,omitempty"`
	Label          string     `json:"label,omitempty"`
	TranslationKey string     `json:"translation_key,omitempty"`
}

// Scale converts a decoded integer into the published measurement.
func (d Descriptor) Scale(raw int64) float64 {
	return float64(raw) / d.Divisor
}

// Constant is a calibration value exposed as an ordinary attribute.
type Constant struct {
	Slot  string  `json:"slot"`
	Value float64 `json:"value"`
}

// Table is the immutable DP→descriptor mapping for one appliance model.
// It is safe for concurrent use once built.
type Table struct {
	byDP      map[uint8]Descriptor
	bySlot    map[string]uint8
	constants []Constant
}

// NewTable validates descriptors and constants and builds a table. Nothing
// is registered unless every entry is valid: duplicate DP ids, duplicate
// slots, and constants that collide with report slots all fail the build.
func NewTable(descs []Descriptor, consts []Constant) (*Table, error) {
	t := &Table{
		byDP:   make(map[uint8]Descriptor, len(descs)),
		bySlot: make(map[string]uint8, len(descs)),
	}

	var errs []error
	for i, d := range descs {
		if d.Divisor == 0 {
			d.Divisor = 1
		}
		if err := validateDescriptor(d); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (dp %d): %w", i, d.DP, err))
			continue
		}
		if prev, ok := t.byDP[d.DP]; ok {
			errs = append(errs, fmt.Errorf("dp %d claimed by %q and %q: %w",
				d.DP, prev.Slot, d.Slot, ErrDuplicateRegistration))
			continue
		}
		if prevDP, ok := t.bySlot[d.Slot]; ok {
			errs = append(errs, fmt.Errorf("slot %q claimed by dp %d and dp %d: %w",
				d.Slot, prevDP, d.DP, ErrDuplicateRegistration))
			continue
		}
		t.byDP[d.DP] = d
		t.bySlot[d.Slot] = d.DP
	}

	constSlots := make(map[string]bool, len(consts))
	for _, c := range consts {
		switch {
		case c.Slot == "":
			errs = append(errs, fmt.Errorf("constant with empty slot: %w", ErrInvalidDescriptor))
			continue
		case constSlots[c.Slot]:
			errs = append(errs, fmt.Errorf("constant slot %q declared twice: %w", c.Slot, ErrDuplicateRegistration))
			continue
		}
		if dp, ok := t.bySlot[c.Slot]; ok {
			errs = append(errs, fmt.Errorf("constant slot %q also fed by dp %d: %w", c.Slot, dp, ErrDuplicateRegistration))
			continue
		}
		constSlots[c.Slot] = true
		t.constants = append(t.constants, c)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

func validateDescriptor(d Descriptor) error {
	if d.Slot == "" {
		return fmt.Errorf("empty slot: %w", ErrInvalidDescriptor)
	}
	if !d.Decoder.Valid() {
		return fmt.Errorf("%s: %w", d.Decoder, ErrInvalidDescriptor)
	}
	if d.Divisor < 0 || math.IsNaN(d.Divisor) || math.IsInf(d.Divisor, 0) {
		return fmt.Errorf("divisor %v: %w", d.Divisor, ErrInvalidDescriptor)
	}
	if !d.StateClass.Valid() {
		return fmt.Errorf("state class %q: %w", d.StateClass, ErrInvalidDescriptor)
	}
	return nil
}

// Lookup returns the descriptor registered for a DP id.
func (t *Table) Lookup(dp uint8) (Descriptor, bool) {
	d, ok := t.byDP[dp]
	return d, ok
}

// LookupSlot returns the descriptor that feeds a slot.
func (t *Table) LookupSlot(slot string) (Descriptor, bool) {
	dp, ok := t.bySlot[slot]
	if !ok {
		return Descriptor{}, false
	}
	return t.byDP[dp], true
}

// Descriptors returns all descriptors ordered by DP id.
func (t *Table) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(t.byDP))
	for _, d := range t.byDP {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DP < out[j].DP })
	return out
}

// Constants returns a copy of the constant attribute set.
func (t *Table) Constants() []Constant {
	out := make([]Constant, len(t.constants))
	copy(out, t.constants)
	return out
}

// Slots returns every slot name the table can populate, report slots and
// constants alike, sorted.
func (t *Table) Slots() []string {
	out := make([]string, 0, len(t.bySlot)+len(t.constants))
	for slot := range t.bySlot {
		out = append(out, slot)
	}
	for _, c := range t.constants {
		out = append(out, c.Slot)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered descriptors.
func (t *Table) Len() int {
	return len(t.byDP)
}

// NewStore creates an attribute store for one device session with the
// table's constants pre-populated.
func (t *Table) NewStore() *AttributeStore {
	s := &AttributeStore{
		values: make(map[string]Value, len(t.byDP)+len(t.constants)),
		fixed:  make(map[string]bool, len(t.constants)),
	}
	for _, c := range t.constants {
		s.values[c.Slot] = Value{Value: c.Value, Raw: int64(c.Value), Constant: true}
		s.fixed[c.Slot] = true
	}
	return s
}
