package tuya

import (
	"errors"
	"fmt"
	"log/slog"
)

// Report is one datapoint as delivered by the transport.
type Report struct {
	DP      uint8  `json:"dp"`
	Type    DPType `json:"type"`
	Payload []byte `json:"payload"`
}

// Update describes a successful dispatch.
type Update struct {
	Descriptor Descriptor
	Value      Value
	Changed    bool // false when the slot already held this value
}

// Dispatcher decodes reports against a table and writes the results into one
// session's attribute store. Callers must not invoke Dispatch concurrently
// for the same store; ordering of writes is the arrival order.
type Dispatcher struct {
	table  *Table
	store  *AttributeStore
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher for one session.
func NewDispatcher(table *Table, store *AttributeStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{table: table, store: store, logger: logger}
}

// Store returns the attribute store the dispatcher writes to.
func (d *Dispatcher) Store() *AttributeStore {
	return d.store
}

// Table returns the mapping table the dispatcher decodes against.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// Dispatch decodes one report and writes the scaled value to its slot.
// Unknown DPs and malformed payloads leave the store untouched.
func (d *Dispatcher) Dispatch(r Report) (Update, error) {
	desc, ok := d.table.Lookup(r.DP)
	if !ok {
		d.logger.Debug("report for unmapped dp discarded",
			"dp", r.DP, "type", r.Type, "len", len(r.Payload))
		return Update{}, fmt.Errorf("dp %d: %w", r.DP, ErrUnknownDatapoint)
	}

	raw, err := desc.Decoder.Decode(r.Payload)
	if err != nil {
		d.logger.Warn("report discarded",
			"dp", r.DP, "slot", desc.Slot, "payload", fmt.Sprintf("%X", r.Payload), "err", err)
		return Update{}, fmt.Errorf("dp %d (%s): %w", r.DP, desc.Slot, err)
	}

	v := Value{Value: desc.Scale(raw), Raw: raw}
	changed, err := d.store.write(desc.Slot, v)
	if err != nil {
		return Update{}, err
	}
	d.logger.Debug("attribute updated", "dp", r.DP, "slot", desc.Slot, "value", v.Value, "raw", raw)
	return Update{Descriptor: desc, Value: v, Changed: changed}, nil
}

// DispatchAll dispatches reports in order. Failed reports are skipped; their
// errors are joined into the returned error.
func (d *Dispatcher) DispatchAll(reports []Report) ([]Update, error) {
	updates := make([]Update, 0, len(reports))
	var errs []error
	for _, r := range reports {
		u, err := d.Dispatch(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updates = append(updates, u)
	}
	return updates, errors.Join(errs...)
}
