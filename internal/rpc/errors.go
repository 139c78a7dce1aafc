package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a device does not answer within the method timeout.
	ErrTimeout = errors.New("timed out waiting for device response")
	// ErrDeviceOffline is returned when presence tracking has no recent heartbeat for the device.
	ErrDeviceOffline = errors.New("device is not online")
	// ErrNotStarted is returned when Invoke is called before Start.
	ErrNotStarted = errors.New("invoker is not started")
)

// TransportError reports that a method could not be delivered or answered.
type TransportError struct {
	DeviceID string
	Method   string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("invoking %s on device %s: %v", e.Method, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
