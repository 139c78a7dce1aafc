package models

import "time"

// Heartbeat represents the structure for a device heartbeat event.
type Heartbeat struct {
	DeviceID        string      `json:"device_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Status          string      `json:"status"`
	ConnectionState string      `json:"connection_state"`
	BridgeType      BackendKind `json:"bridge_type,omitempty"`
}

// DeviceStatus is the control plane's view of a device's last heartbeat.
type DeviceStatus struct {
	Heartbeat
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}
