package models

import "strings"

// BackendKind identifies the transport carrying a tunnel.
type BackendKind string

const (
	// BackendRelay is the relay hybrid-connection backend.
	BackendRelay BackendKind = "relay"
	// BackendPubSub is the publish/subscribe hub backend.
	BackendPubSub BackendKind = "webpubsub"
)

// ParseBackendKind maps a bridgeType value to a BackendKind.
// Anything other than "webpubsub" (case-insensitive) selects the relay backend.
func ParseBackendKind(s string) BackendKind {
	if strings.EqualFold(strings.TrimSpace(s), string(BackendPubSub)) {
		return BackendPubSub
	}
	return BackendRelay
}

// TunnelRequest is the body of a create or delete call.
type TunnelRequest struct {
	DeviceID   string `json:"deviceId"`             // Target device
	BridgeType string `json:"bridgeType,omitempty"` // relay (default) or webpubsub
}

// Backend returns the requested backend.
func (r TunnelRequest) Backend() BackendKind {
	return ParseBackendKind(r.BridgeType)
}

// BridgeConfig is the environment handed to a provisioned bridge resource.
type BridgeConfig map[string]string

// ConnectionRequest is the optional payload of the create methods.
type ConnectionRequest struct {
	BridgeType BackendKind `json:"bridgeType,omitempty"`
}

// ConnectionResponse is the payload a device returns from its connection methods.
type ConnectionResponse struct {
	Result          string `json:"result"`
	ServiceProtocol string `json:"serviceProtocol,omitempty"`
	ServicePort     string `json:"servicePort,omitempty"`
}
