//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"encoding/json"
	"testing"

	"tuya-meter-gateway/internal/profile"
	"tuya-meter-gateway/internal/store"
	"tuya-meter-gateway/internal/tuya"
)

func meterTable(t *testing.T) *tuya.Table {
	t.Helper()
	p, err := profile.Build(profile.Builtin()[0])
	if err != nil {
		t.Fatal(err)
	}
	return p.Table
}

func findMsg(msgs []discoveryMsg, topic string) *discoveryMsg {
	for i := range msgs {
		if msgs[i].Topic == topic {
			return &msgs[i]
		}
	}
	return nil
}

func TestDiscoveryMeterSensors(t *testing.T) {
	dev := &store.Device{
		ID:           "meter-1",
		Manufacturer: "_TZE204_loejka0i",
		Model:        "TS0601",
		FriendlyName: "Main Panel",
	}
	table := meterTable(t)

	msgs := buildDiscovery(dev, table, "tuya2mqtt")
	if len(msgs) != table.Len()+1 {
		t.Fatalf("got %d messages, want %d", len(msgs), table.Len()+1)
	}

	msg := findMsg(msgs, "homeassistant/sensor/tuya_meter-1/voltage_a/config")
	if msg == nil {
		t.Fatal("voltage_a discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Name != "Main Panel Voltage phase A" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "tuya_meter-1_voltage_a" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "voltage" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.UnitOfMeasurement != "V" {
		t.Errorf("unit = %q", payload.UnitOfMeasurement)
	}
	if payload.StateClass != "measurement" {
		t.Errorf("state_class = %q", payload.StateClass)
	}
	if payload.ValueTemplate != "{{ value_json.voltage_a }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.StateTopic != "tuya2mqtt/main_panel" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "tuya2mqtt/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "_TZE204_loejka0i" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}
}

func TestDiscoveryEnergyUsesTranslationKey(t *testing.T) {
	dev := &store.Device{ID: "m2"}
	msgs := buildDiscovery(dev, meterTable(t), "tuya2mqtt")

	msg := findMsg(msgs, "homeassistant/sensor/tuya_m2/energy/config")
	if msg == nil {
		t.Fatal("energy discovery not found")
	}
	var payload haDiscovery
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.StateClass != "total" {
		t.Errorf("state_class = %q, want total", payload.StateClass)
	}
	if payload.ObjectID != "tuya_m2_energy" {
		t.Errorf("object_id = %q", payload.ObjectID)
	}
	if payload.StateTopic != "tuya2mqtt/m2" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
}

func TestDiscoveryLabelFallback(t *testing.T) {
	table, err := tuya.NewTable([]tuya.Descriptor{
		{DP: 5, Decoder: tuya.DecoderSingle, Slot: "leak_current"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev := &store.Device{ID: "x", FriendlyName: "Shed"}

	msg := findMsg(buildDiscovery(dev, table, "p"), "homeassistant/sensor/tuya_x/leak_current/config")
	if msg == nil {
		t.Fatal("discovery not found")
	}
	var payload haDiscovery
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "Shed leak current" {
		t.Errorf("name = %q", payload.Name)
	}
}

func TestDiscoveryLastSeen(t *testing.T) {
	dev := &store.Device{ID: "meter-1"}
	msg := findMsg(buildDiscovery(dev, meterTable(t), "tuya2mqtt"), "homeassistant/sensor/tuya_meter-1/last_seen/config")
	if msg == nil {
		t.Fatal("last_seen discovery not found")
	}
	var payload haDiscovery
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.DeviceClass != "timestamp" || payload.EntityCategory != "diagnostic" {
		t.Errorf("device_class = %q, entity_category = %q", payload.DeviceClass, payload.EntityCategory)
	}
}

func TestDiscoveryEmptyTable(t *testing.T) {
	dev := &store.Device{ID: "meter-1"}
	if msgs := buildDiscovery(dev, nil, "tuya2mqtt"); msgs != nil {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  store.Device
		want string
	}{
		{"id only", store.Device{ID: "meter-1"}, "meter-1"},
		{"friendly name", store.Device{ID: "meter-1", FriendlyName: "Main Panel"}, "main_panel"},
		{"special chars", store.Device{ID: "m", FriendlyName: "Garage/PV #2"}, "garage_pv__2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(&tt.dev); got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveDiscovery(t *testing.T) {
	dev := &store.Device{ID: "meter-1"}
	table := meterTable(t)
	msgs := buildRemoveDiscovery(dev, table)
	if len(msgs) != table.Len()+1 {
		t.Fatalf("got %d removal messages, want %d", len(msgs), table.Len()+1)
	}

	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
	}
	if findMsg(msgs, "homeassistant/sensor/tuya_meter-1/power_factor/config") == nil {
		t.Error("power_factor removal missing")
	}
}

func TestRawTopicDevice(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"tuya2mqtt/meter-1/raw", "meter-1", true},
		{"tuya2mqtt/main_panel/raw", "main_panel", true},
		{"tuya2mqtt/raw", "", false},
		{"tuya2mqtt/meter-1/set", "", false},
		{"other/meter-1/raw", "", false},
		{"tuya2mqtt/a/b/raw", "", false},
	}
	for _, tt := range tests {
		got, ok := rawTopicDevice("tuya2mqtt", tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("rawTopicDevice(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDecodeRawPayload(t *testing.T) {
	want := []byte{0x00, 0x2A, 0x66, 0x02, 0x00, 0x04, 0x00, 0x00, 0x09, 0x01}
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", "002A66020004 00000901", false},
		{"prefixed", "0x002A6602000400000901", false},
		{"colons", "00:2A:66:02:00:04:00:00:09:01", false},
		{"lowercase", "002a6602000400000901\n", false},
		{"empty", "  ", true},
		{"odd length", "002", true},
		{"not hex", "zz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRawPayload([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("got %X, want %X", got, want)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]any{"voltage_a": 230.5})
	var parsed map[string]float64
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["voltage_a"] != 230.5 {
		t.Errorf("parsed value = %v", parsed["voltage_a"])
	}
}
