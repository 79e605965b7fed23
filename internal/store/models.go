package store

import "time"

// Device is a metering appliance known to the gateway and the profile its
// reports are decoded with.
type Device struct {
	ID           string    `json:"id"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	SerialPort   string    `json:"serial_port,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Reports      uint64    `json:"reports"`
}

// DisplayName returns the friendly name, falling back to manufacturer and
// model, then the ID.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Manufacturer != "" && d.Model != "" {
		return d.Manufacturer + " " + d.Model
	}
	return d.ID
}
