package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tuya-meter-gateway/internal/profile"
	"tuya-meter-gateway/internal/session"
	"tuya-meter-gateway/internal/store"
)

const (
	meterManufacturer = "_TZE204_loejka0i"
	meterModel        = "TS0601"
)

// voltagePayload is a 0xEF00 cluster payload: seq 0x002A, DP 102 value 2305.
const voltagePayload = "002A6602000400000901"

func setupTestServer(t *testing.T, apiKey string) (*Server, *session.Manager, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	profiles := profile.NewDB()
	for _, def := range profile.Builtin() {
		if _, err := profiles.Add(def); err != nil {
			t.Fatal(err)
		}
	}

	mgr := session.NewManager(profiles, db, session.NewEventBus(logger), logger)

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	opts = append(opts, WithVersion("test"))
	srv := NewServer(mgr, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, mgr, db
}

func openMeter(t *testing.T, mgr *session.Manager, id string) {
	t.Helper()
	if _, err := mgr.Open(store.Device{ID: id, Manufacturer: meterManufacturer, Model: meterModel}); err != nil {
		t.Fatal(err)
	}
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	srv, mgr, db := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")
	if err := db.SaveDevice(&store.Device{ID: "meter-0", Manufacturer: "Other", Model: "X"}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(srv, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []struct {
		ID      string `json:"id"`
		Online  bool   `json:"online"`
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("device count = %d, want 2", len(devices))
	}
	if devices[0].ID != "meter-0" || devices[0].Online {
		t.Errorf("devices[0] = %+v, want offline meter-0", devices[0])
	}
	if devices[1].ID != "meter-1" || !devices[1].Online {
		t.Errorf("devices[1] = %+v, want online meter-1", devices[1])
	}
	if devices[1].Profile != meterManufacturer+"/"+meterModel {
		t.Errorf("profile = %q", devices[1].Profile)
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	w := doRequest(srv, "GET", "/api/devices/meter-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var dev store.Device
	if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.ID != "meter-1" || dev.Model != meterModel {
		t.Errorf("device = %+v", dev)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/devices/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIListAttributesConstants(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	w := doRequest(srv, "GET", "/api/devices/meter-1/attributes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var attrs []attributeView
	if err := json.NewDecoder(w.Body).Decode(&attrs); err != nil {
		t.Fatal(err)
	}
	if len(attrs) != 4 {
		t.Fatalf("attribute count = %d, want 4 constants", len(attrs))
	}
	for _, a := range attrs {
		if !a.Constant {
			t.Errorf("%s: constant = false before any report", a.Slot)
		}
	}
}

func TestAPIReadAttributeAbsent(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	w := doRequest(srv, "GET", "/api/devices/meter-1/attributes/voltage_a", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIReadAttributeNoSession(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/devices/meter-1/attributes/voltage_a", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIIngestCluster(t *testing.T) {
	srv, mgr, db := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	w := doRequest(srv, "POST", "/api/devices/meter-1/reports", `{"payload": "`+voltagePayload+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Updates) != 1 || len(resp.Errors) != 0 {
		t.Fatalf("resp = %+v, want one update", resp)
	}
	u := resp.Updates[0]
	if u.Slot != "voltage_a" || u.Value != 230.5 || u.Raw != 2305 || u.Unit != "V" || !u.Changed {
		t.Errorf("update = %+v", u)
	}

	w = doRequest(srv, "GET", "/api/devices/meter-1/attributes/voltage_a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d, want %d", w.Code, http.StatusOK)
	}
	var av attributeView
	if err := json.NewDecoder(w.Body).Decode(&av); err != nil {
		t.Fatal(err)
	}
	if av.Value != 230.5 || av.DP != 102 || av.Constant {
		t.Errorf("attribute = %+v", av)
	}

	dev, err := db.GetDevice("meter-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Reports != 1 || dev.LastSeen.IsZero() {
		t.Errorf("registry not touched: reports=%d last_seen=%v", dev.Reports, dev.LastSeen)
	}
}

func TestAPIIngestDatapointsPartial(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	// DP 102 = 2305, then unknown DP 250.
	body := `{"payload": "6602000400000901 FA02000400000001", "format": "datapoints"}`
	w := doRequest(srv, "POST", "/api/devices/meter-1/reports", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Updates) != 1 {
		t.Errorf("updates = %d, want 1", len(resp.Updates))
	}
	if len(resp.Errors) != 1 {
		t.Errorf("errors = %v, want 1", resp.Errors)
	}
}

func TestAPIIngestValidation(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/api/devices/meter-1/reports", `{`, http.StatusBadRequest},
		{"empty payload", "/api/devices/meter-1/reports", `{"payload": ""}`, http.StatusBadRequest},
		{"not hex", "/api/devices/meter-1/reports", `{"payload": "zz"}`, http.StatusBadRequest},
		{"bad format", "/api/devices/meter-1/reports", `{"payload": "00", "format": "zcl"}`, http.StatusBadRequest},
		{"no session", "/api/devices/meter-9/reports", `{"payload": "` + voltagePayload + `"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIListProfiles(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/profiles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var profiles []struct {
		Manufacturer string            `json:"manufacturer"`
		Model        string            `json:"model"`
		Datapoints   []json.RawMessage `json:"datapoints"`
		Constants    []json.RawMessage `json:"constants"`
	}
	if err := json.NewDecoder(w.Body).Decode(&profiles); err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 {
		t.Fatalf("profile count = %d, want 1", len(profiles))
	}
	if profiles[0].Manufacturer != meterManufacturer || len(profiles[0].Datapoints) != 23 || len(profiles[0].Constants) != 4 {
		t.Errorf("profile = %s/%s dps=%d consts=%d", profiles[0].Manufacturer, profiles[0].Model,
			len(profiles[0].Datapoints), len(profiles[0].Constants))
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/version", "")
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}

func TestAPIAutomationsUnavailable(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/automations", "")
	if w.Code != http.StatusOK {
		t.Errorf("list status = %d, want %d", w.Code, http.StatusOK)
	}
	w = doRequest(srv, "PUT", "/api/automations/x", `{"name": "x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("save status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	w = doRequest(srv, "POST", "/api/automations/x/run", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	w := doRequest(srv, "GET", "/api/devices?api_key=secret-key", "")
	if w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	w := doRequest(srv, "GET", "/api/devices", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	srv, mgr, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://gateway.local"}
	openMeter(t, mgr, "meter-1")

	req := httptest.NewRequest("PATCH", "/api/devices/meter-1", bytes.NewBufferString(`{"friendly_name": "x"}`))
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	srv, mgr, db := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")

	w := doRequest(srv, "PATCH", "/api/devices/meter-1", `{"friendly_name": "Main Panel"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["friendly_name"] != "Main Panel" {
		t.Errorf("friendly_name = %q, want Main Panel", resp["friendly_name"])
	}

	dev, err := db.GetDevice("meter-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "Main Panel" {
		t.Errorf("stored friendly_name = %q, want Main Panel", dev.FriendlyName)
	}
}

func TestAPIRenameDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "PATCH", "/api/devices/nope", `{"friendly_name": "Test"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestFlattenErrors(t *testing.T) {
	if got := flattenErrors(nil); got != nil {
		t.Errorf("nil: got %v", got)
	}
	_, mgr, _ := setupTestServer(t, "")
	openMeter(t, mgr, "meter-1")
	_, err := mgr.DispatchClusterPayload("meter-1", []byte{0x00, 0x01, 0xFA, 0x02, 0x00, 0x04, 0, 0, 0, 1, 0xFB})
	if got := flattenErrors(err); len(got) != 2 {
		t.Errorf("got %d leaves, want 2 (unknown dp, trailing byte): %v", len(got), got)
	}
}
