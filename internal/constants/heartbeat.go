package constants

import "time"

const (
	// StatusAlive is reported by every device heartbeat.
	StatusAlive = "alive"

	// DefaultHeartbeatInterval is the device heartbeat period.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultOfflineAfter marks a device offline when no heartbeat arrived within it.
	DefaultOfflineAfter = 90 * time.Second
)
