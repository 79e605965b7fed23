package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"tuya-meter-gateway/internal/session"
	"tuya-meter-gateway/internal/store"
	"tuya-meter-gateway/internal/tuya"
)

// deviceView is a registry record plus the state of its session, if open.
type deviceView struct {
	*store.Device
	Online  bool           `json:"online"`
	Profile string         `json:"profile,omitempty"`
	Stats   *session.Stats `json:"stats,omitempty"`
}

func (s *Server) deviceView(dev *store.Device) deviceView {
	v := deviceView{Device: dev}
	if sess, ok := s.sessions.Get(dev.ID); ok {
		st := sess.Stats()
		v.Online = true
		v.Profile = sess.Profile().Manufacturer + "/" + sess.Profile().Model
		v.Stats = &st
	}
	return v
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.sessions.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	out := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		out = append(out, s.deviceView(dev))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.sessions.Devices().GetDevice(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.sessions.Devices().UpdateDevice(id, func(dev *store.Device) error {
		dev.FriendlyName = req.FriendlyName
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if err != nil {
		s.logger.Error("rename device", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

// attributeView is one populated slot with its descriptor metadata.
type attributeView struct {
	Slot        string          `json:"slot"`
	Value       float64         `json:"value"`
	Raw         int64           `json:"raw"`
	Constant    bool            `json:"constant,omitempty"`
	DP          uint8           `json:"dp,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	DeviceClass string          `json:"device_class,omitempty"`
	StateClass  tuya.StateClass `json:"state_class,omitempty"`
	Label       string          `json:"label,omitempty"`
}

func newAttributeView(table *tuya.Table, slot string, v tuya.Value) attributeView {
	av := attributeView{Slot: slot, Value: v.Value, Raw: v.Raw, Constant: v.Constant}
	if d, ok := table.LookupSlot(slot); ok {
		av.DP = d.DP
		av.Unit = d.Unit
		av.DeviceClass = d.DeviceClass
		av.StateClass = d.StateClass
		av.Label = d.Label
	}
	return av
}

func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session for device"})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleAPIListAttributes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	snap := sess.Attributes().Snapshot()
	out := make([]attributeView, 0, len(snap))
	for slot, v := range snap {
		out = append(out, newAttributeView(sess.Table(), slot, v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIReadAttribute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	slot := r.PathValue("slot")
	v, ok := sess.Read(slot)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "attribute not set", "slot": slot})
		return
	}
	s.writeJSON(w, http.StatusOK, newAttributeView(sess.Table(), slot, v))
}

type ingestRequest struct {
	Payload string `json:"payload"`          // hex
	Format  string `json:"format,omitempty"` // "cluster" (default, with 2-byte sequence) or "datapoints"
}

type updateView struct {
	DP      uint8   `json:"dp"`
	Slot    string  `json:"slot"`
	Value   float64 `json:"value"`
	Raw     int64   `json:"raw"`
	Unit    string  `json:"unit,omitempty"`
	Changed bool    `json:"changed"`
}

type ingestResponse struct {
	Updates []updateView `json:"updates"`
	Errors  []string     `json:"errors,omitempty"`
}

func (s *Server) handleAPIIngestReports(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ingestRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Payload, " ", ""))
	if err != nil || len(data) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be non-empty hex"})
		return
	}

	var updates []tuya.Update
	switch req.Format {
	case "", "cluster":
		updates, err = s.sessions.DispatchClusterPayload(id, data)
	case "datapoints":
		reports, perr := tuya.ParseDataPoints(data)
		updates, err = s.sessions.Dispatch(id, reports)
		err = errors.Join(perr, err)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be cluster or datapoints"})
		return
	}
	if errors.Is(err, session.ErrNoSession) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session for device"})
		return
	}

	resp := ingestResponse{Updates: make([]updateView, 0, len(updates))}
	for _, u := range updates {
		resp.Updates = append(resp.Updates, updateView{
			DP:      u.Descriptor.DP,
			Slot:    u.Descriptor.Slot,
			Value:   u.Value.Value,
			Raw:     u.Value.Raw,
			Unit:    u.Descriptor.Unit,
			Changed: u.Changed,
		})
	}
	for _, e := range flattenErrors(err) {
		resp.Errors = append(resp.Errors, e.Error())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// flattenErrors expands errors.Join trees into their leaves.
func flattenErrors(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, flattenErrors(e)...)
		}
		return out
	}
	return []error{err}
}

type profileView struct {
	Manufacturer string            `json:"manufacturer"`
	Model        string            `json:"model"`
	FriendlyName string            `json:"friendly_name,omitempty"`
	Datapoints   []tuya.Descriptor `json:"datapoints"`
	Constants    []tuya.Constant   `json:"constants"`
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.sessions.Profiles().All()
	out := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileView{
			Manufacturer: p.Manufacturer,
			Model:        p.Model,
			FriendlyName: p.FriendlyName,
			Datapoints:   p.Table.Descriptors(),
			Constants:    p.Table.Constants(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
