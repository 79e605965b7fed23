//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"tuya-meter-gateway/internal/store"
	"tuya-meter-gateway/internal/tuya"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/tuya_meter-1/voltage_a/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a sensor discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	ObjectID          string   `json:"object_id,omitempty"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "tuya_" + dev.ID
}

// deviceTopicName returns the topic name for a device (friendly name or ID).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.ID
}

// entityName picks the HA entity name for a descriptor.
func entityName(d tuya.Descriptor) string {
	if d.Label != "" {
		return d.Label
	}
	return strings.ReplaceAll(d.Slot, "_", " ")
}

// buildDiscovery generates one HA sensor per mapped datapoint plus a
// last_seen diagnostic sensor.
func buildDiscovery(dev *store.Device, table *tuya.Table, prefix string) []discoveryMsg {
	if table == nil || table.Len() == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := dev.DisplayName()

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         displayName,
	}

	descs := table.Descriptors()
	msgs := make([]discoveryMsg, 0, len(descs)+1)
	for _, d := range descs {
		objectID := d.Slot
		if d.TranslationKey != "" {
			objectID = d.TranslationKey
		}
		payload := haDiscovery{
			Name:              displayName + " " + entityName(d),
			UniqueID:          nodeID + "_" + d.Slot,
			ObjectID:          nodeID + "_" + objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", d.Slot),
			UnitOfMeasurement: d.Unit,
			DeviceClass:       d.DeviceClass,
			StateClass:        string(d.StateClass),
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, d.Slot),
			Payload: mustJSON(payload),
		})
	}

	msgs = append(msgs, discoveryMsg{
		Topic: fmt.Sprintf("homeassistant/sensor/%s/last_seen/config", nodeID),
		Payload: mustJSON(haDiscovery{
			Name:              displayName + " Last seen",
			UniqueID:          nodeID + "_last_seen",
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.last_seen }}",
			DeviceClass:       "timestamp",
			EntityCategory:    "diagnostic",
			Device:            haDev,
		}),
	})
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device, table *tuya.Table) []discoveryMsg {
	nodeID := deviceIdentifier(dev)

	objects := []string{"last_seen"}
	if table != nil {
		for _, d := range table.Descriptors() {
			objects = append(objects, d.Slot)
		}
	}

	msgs := make([]discoveryMsg, 0, len(objects))
	for _, obj := range objects {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
