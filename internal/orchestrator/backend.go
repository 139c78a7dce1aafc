package orchestrator

import (
	"strconv"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
)

// Backend is one tunnel transport: the direct method that opens it on the
// device and the bridge image and environment that serve it in the cloud.
type Backend interface {
	Kind() models.BackendKind
	Method() string
	Image() string
	BuildConfig(deviceID string) models.BridgeConfig
}

// RelaySettings configure the relay hybrid-connection bridge.
type RelaySettings struct {
	ConnectionString string
	Image            string
	Port             int
}

type relayBackend struct {
	s RelaySettings
}

// NewRelayBackend returns the relay Backend.
func NewRelayBackend(s RelaySettings) Backend {
	if s.Port == 0 {
		s.Port = constants.DefaultContainerPort
	}
	return relayBackend{s: s}
}

func (relayBackend) Kind() models.BackendKind { return models.BackendRelay }
func (relayBackend) Method() string           { return constants.MethodCreateConnection }
func (b relayBackend) Image() string          { return b.s.Image }

// The hybrid connection is named after the device.
func (b relayBackend) BuildConfig(deviceID string) models.BridgeConfig {
	return models.BridgeConfig{
		"AZRELAY_CONN_STRING":       b.s.ConnectionString,
		"AZRELAY_HYBRID_CONNECTION": deviceID,
		"CONTAINER_PORT":            strconv.Itoa(b.s.Port),
	}
}

// PubSubSettings configure the publish/subscribe hub bridge.
type PubSubSettings struct {
	Endpoint       string
	Key            string
	Hub            string
	Image          string
	Port           int
	ConnectAddress string
	ConnectPort    int
}

type pubSubBackend struct {
	s PubSubSettings
}

// NewPubSubBackend returns the publish/subscribe Backend.
func NewPubSubBackend(s PubSubSettings) Backend {
	if s.Port == 0 {
		s.Port = constants.DefaultContainerPort
	}
	if s.ConnectAddress == "" {
		s.ConnectAddress = constants.DefaultPubSubConnectAddress
	}
	if s.ConnectPort == 0 {
		s.ConnectPort = constants.DefaultPubSubConnectPort
	}
	return pubSubBackend{s: s}
}

func (pubSubBackend) Kind() models.BackendKind { return models.BackendPubSub }
func (pubSubBackend) Method() string           { return constants.MethodCreateWebPubSubConnection }
func (b pubSubBackend) Image() string          { return b.s.Image }

// The device is addressed as the connect server id.
func (b pubSubBackend) BuildConfig(deviceID string) models.BridgeConfig {
	return models.BridgeConfig{
		"Local__PubSubEndpoint":     b.s.Endpoint,
		"Local__PubSubKey":          b.s.Key,
		"Local__Hub":                b.s.Hub,
		"Local__Port":               strconv.Itoa(b.s.Port),
		"Local__Connect__IpAddress": b.s.ConnectAddress,
		"Local__Connect__Port":      strconv.Itoa(b.s.ConnectPort),
		"Local__Connect__ServerId":  deviceID,
	}
}
