package store

import "time"

// Device is a Bluetooth device known to the trust store. The address is
// the natural unique key; the trusted flag gates pairing without human
// approval.
type Device struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Trusted   bool      `json:"trusted"`
	FirstSeen time.Time `json:"first_seen_utc"`
	LastSeen  time.Time `json:"last_seen_utc"`
}

// Contact is one phonebook entry pulled from a device. Raw holds the
// full vCard record text.
type Contact struct {
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// SensorReading is one persisted sensor sample. Data is stored as JSON.
type SensorReading struct {
	Sensor string         `json:"sensor"`
	TS     time.Time      `json:"ts_utc"`
	Data   map[string]any `json:"data"`
}
