package tuya

import (
	"fmt"
	"sync"
)

// Value is the current content of one attribute slot.
type Value struct {
	Value    float64 `json:"value"`
	Raw      int64   `json:"raw"`
	Constant bool    `json:"constant,omitempty"`
}

// AttributeStore is the per-session view of constants and the latest decoded
// measurements, keyed by slot. Only a Dispatcher writes to it; reads are safe
// from any goroutine.
type AttributeStore struct {
	mu     sync.RWMutex
	values map[string]Value
	fixed  map[string]bool
}

// Read returns the value held in a slot. The second result is false when the
// slot has no constant and has never been written by a report.
func (s *AttributeStore) Read(slot string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[slot]
	return v, ok
}

// Snapshot returns a copy of every populated slot.
func (s *AttributeStore) Snapshot() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of populated slots, constants included.
func (s *AttributeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// write overwrites a report-derived slot and reports whether the stored
// value changed.
func (s *AttributeStore) write(slot string, v Value) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixed[slot] {
		return false, fmt.Errorf("slot %q is a constant: %w", slot, ErrDuplicateRegistration)
	}
	prev, ok := s.values[slot]
	s.values[slot] = v
	return !ok || prev != v, nil
}
