// Package session owns the per-device decoding state: one attribute store and
// dispatcher per configured meter, serialized report ingestion, device
// registry bookkeeping and event fan-out.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tuya-meter-gateway/internal/profile"
	"tuya-meter-gateway/internal/store"
	"tuya-meter-gateway/internal/tuya"
)

var (
	// ErrNoProfile is returned when no profile matches a device's
	// manufacturer and model.
	ErrNoProfile = errors.New("no profile for device")
	// ErrNoSession is returned for operations on a device without an open session.
	ErrNoSession = errors.New("no session")
	// ErrSessionExists is returned when opening a device twice.
	ErrSessionExists = errors.New("session already open")
)

// Stats counts reports handled by a session since it was opened.
type Stats struct {
	Opened    time.Time `json:"opened"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Reports   uint64    `json:"reports"`
	Discarded uint64    `json:"discarded"`
}

// Session is the decoding state of one device.
type Session struct {
	device  store.Device
	profile *profile.Profile

	mu    sync.Mutex // serializes dispatch
	disp  *tuya.Dispatcher
	stats Stats
}

// ID returns the device ID.
func (s *Session) ID() string { return s.device.ID }

// Device returns the registry record the session was opened with.
func (s *Session) Device() store.Device { return s.device }

// Profile returns the profile the session decodes with.
func (s *Session) Profile() *profile.Profile { return s.profile }

// Table returns the session's mapping table.
func (s *Session) Table() *tuya.Table { return s.disp.Table() }

// Attributes returns the session's attribute store.
func (s *Session) Attributes() *tuya.AttributeStore { return s.disp.Store() }

// Read returns the value of one slot.
func (s *Session) Read(slot string) (tuya.Value, bool) {
	return s.disp.Store().Read(slot)
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type discard struct {
	report tuya.Report
	err    error
}

// dispatch runs one frame through the dispatcher under the session lock.
func (s *Session) dispatch(reports []tuya.Report) ([]tuya.Update, []discard) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make([]tuya.Update, 0, len(reports))
	var dropped []discard
	for _, r := range reports {
		u, err := s.disp.Dispatch(r)
		if err != nil {
			dropped = append(dropped, discard{report: r, err: err})
			continue
		}
		updates = append(updates, u)
	}
	s.stats.Reports += uint64(len(updates))
	s.stats.Discarded += uint64(len(dropped))
	if len(updates) > 0 {
		s.stats.LastSeen = time.Now()
	}
	return updates, dropped
}

// Manager holds the open sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	profiles *profile.DB
	devices  store.Store
	events   *EventBus
	logger   *slog.Logger
}

// NewManager creates a session manager.
func NewManager(profiles *profile.DB, devices store.Store, events *EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		profiles: profiles,
		devices:  devices,
		events:   events,
		logger:   logger.With("component", "session"),
	}
}

// Events returns the event bus.
func (m *Manager) Events() *EventBus { return m.events }

// Devices returns the device registry.
func (m *Manager) Devices() store.Store { return m.devices }

// Profiles returns the profile database.
func (m *Manager) Profiles() *profile.DB { return m.profiles }

// Open registers a device, binds it to its profile and creates a session
// with the profile's constants pre-populated.
func (m *Manager) Open(dev store.Device) (*Session, error) {
	if dev.ID == "" {
		return nil, fmt.Errorf("open session: empty device id")
	}
	p := m.profiles.Lookup(dev.Manufacturer, dev.Model)
	if p == nil {
		return nil, fmt.Errorf("device %s (%s/%s): %w", dev.ID, dev.Manufacturer, dev.Model, ErrNoProfile)
	}

	m.mu.Lock()
	if _, ok := m.sessions[dev.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("device %s: %w", dev.ID, ErrSessionExists)
	}

	if err := m.register(&dev); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	logger := m.logger.With("device", dev.ID)
	s := &Session{
		device:  dev,
		profile: p,
		disp:    tuya.NewDispatcher(p.Table, p.Table.NewStore(), logger),
		stats:   Stats{Opened: time.Now()},
	}
	m.sessions[dev.ID] = s
	m.mu.Unlock()

	logger.Info("session opened",
		"name", dev.DisplayName(),
		"manufacturer", dev.Manufacturer,
		"model", dev.Model,
		"datapoints", p.Table.Len(),
		"constants", len(p.Table.Constants()),
	)
	m.events.Emit(Event{
		Type: EventSessionOpened,
		Data: map[string]interface{}{
			"device":       dev.ID,
			"name":         dev.DisplayName(),
			"manufacturer": dev.Manufacturer,
			"model":        dev.Model,
		},
	})
	return s, nil
}

// register creates or refreshes the registry record for dev, keeping the
// stored creation time and report counter.
func (m *Manager) register(dev *store.Device) error {
	existing, err := m.devices.GetDevice(dev.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if dev.CreatedAt.IsZero() {
			dev.CreatedAt = time.Now()
		}
	case err != nil:
		return fmt.Errorf("load device %s: %w", dev.ID, err)
	default:
		dev.CreatedAt = existing.CreatedAt
		dev.LastSeen = existing.LastSeen
		dev.Reports = existing.Reports
	}
	if err := m.devices.SaveDevice(dev); err != nil {
		return fmt.Errorf("save device %s: %w", dev.ID, err)
	}
	return nil
}

// Close ends a session. The registry record is kept.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrNoSession)
	}

	st := s.Stats()
	m.logger.Info("session closed", "device", id, "reports", st.Reports, "discarded", st.Discarded)
	m.events.Emit(Event{
		Type: EventSessionClosed,
		Data: map[string]interface{}{"device": id},
	})
	return nil
}

// CloseAll ends every open session.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		_ = m.Close(s.ID())
	}
}

// Get returns the session of a device.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions ordered by device ID.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].device.ID < out[j].device.ID })
	return out
}

// Dispatch feeds one frame of reports into a device's session. Reports are
// applied in order; discarded ones are joined into the returned error and
// never stop the rest of the frame.
func (m *Manager) Dispatch(id string, reports []tuya.Report) ([]tuya.Update, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, ErrNoSession)
	}

	updates, dropped := s.dispatch(reports)

	if len(updates) > 0 {
		m.touch(id, len(updates))
	}

	for _, u := range updates {
		m.events.Emit(Event{
			Type: EventAttributeUpdate,
			Data: map[string]interface{}{
				"device":  id,
				"dp":      int(u.Descriptor.DP),
				"slot":    u.Descriptor.Slot,
				"value":   u.Value.Value,
				"raw":     u.Value.Raw,
				"unit":    u.Descriptor.Unit,
				"changed": u.Changed,
			},
		})
	}

	errs := make([]error, 0, len(dropped))
	for _, d := range dropped {
		errs = append(errs, d.err)
		m.events.Emit(Event{
			Type: EventReportDiscarded,
			Data: map[string]interface{}{
				"device":  id,
				"dp":      int(d.report.DP),
				"type":    d.report.Type.String(),
				"payload": fmt.Sprintf("%X", d.report.Payload),
				"err":     d.err.Error(),
			},
		})
	}
	return updates, errors.Join(errs...)
}

// DispatchClusterPayload parses a 0xEF00 cluster payload and dispatches its
// datapoints. Records parsed before a framing error are still applied.
func (m *Manager) DispatchClusterPayload(id string, payload []byte) ([]tuya.Update, error) {
	_, reports, perr := tuya.ParseClusterPayload(payload)
	updates, err := m.Dispatch(id, reports)
	return updates, errors.Join(perr, err)
}

func (m *Manager) touch(id string, n int) {
	err := m.devices.UpdateDevice(id, func(dev *store.Device) error {
		dev.LastSeen = time.Now()
		dev.Reports += uint64(n)
		return nil
	})
	if err != nil {
		m.logger.Warn("update last seen", "device", id, "err", err)
	}
}
