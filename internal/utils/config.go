package utils

import (
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// MQTTConfig holds the broker connection settings shared by both roles.
type MQTTConfig struct {
	Broker        string        `yaml:"broker"`         // MQTT broker address
	ClientID      string        `yaml:"client_id"`      // MQTT client ID prefix
	CACertificate string        `yaml:"ca_certificate"` // Path to the CA certificate, empty for plain TCP
	Username      string        `yaml:"username"`       // Optional broker username
	Password      string        `yaml:"password"`       // Optional broker password
	QOS           int           `yaml:"qos"`            // MQTT QoS level for method traffic
	TopicPrefix   string        `yaml:"topic_prefix"`   // Root of all tunnel topics
	KeepAlive     time.Duration `yaml:"keep_alive"`     // Keep-alive interval
}

// OrchestratorConfig represents the control plane configuration file.
type OrchestratorConfig struct {
	LogLevel string     `yaml:"log_level"`
	MQTT     MQTTConfig `yaml:"mqtt"`

	HTTP struct {
		Address string `yaml:"address"` // Listen address of the tunnel API
	} `yaml:"http"`

	RPC struct {
		MethodTimeout time.Duration `yaml:"method_timeout"` // Device response timeout
		Presence      struct {
			Enabled      bool          `yaml:"enabled"`       // Fail fast for devices without recent heartbeats
			OfflineAfter time.Duration `yaml:"offline_after"` // Heartbeat staleness threshold
		} `yaml:"presence"`
	} `yaml:"rpc"`

	RequestTimeout time.Duration `yaml:"request_timeout"` // Deadline for a whole create/delete request

	Provisioner struct {
		Driver         string        `yaml:"driver"`          // "aci" or "memory"
		ResourceName   string        `yaml:"resource_name"`   // Name of the shared bridge resource
		SubscriptionID string        `yaml:"subscription_id"` // Cloud subscription
		ResourceGroup  string        `yaml:"resource_group"`  // Resource group holding the bridge
		ContainerPort  int           `yaml:"container_port"`  // External port of the bridge
		CPU            float64       `yaml:"cpu"`             // CPU cores for the bridge container
		MemoryGB       float64       `yaml:"memory_gb"`       // Memory for the bridge container
		AddressWait    time.Duration `yaml:"address_wait"`    // Max wait for a new resource's address
		Registry       struct {
			Server   string `yaml:"server"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"registry"`
	} `yaml:"provisioner"`

	Relay struct {
		ConnectionString string `yaml:"connection_string"` // Relay namespace connection string
		Image            string `yaml:"image"`             // Relay bridge image
	} `yaml:"relay"`

	PubSub struct {
		Endpoint       string `yaml:"endpoint"`        // Pub/sub service endpoint
		Key            string `yaml:"key"`             // Pub/sub access key
		Hub            string `yaml:"hub"`             // Pub/sub hub name
		Image          string `yaml:"image"`           // Pub/sub bridge image
		ConnectAddress string `yaml:"connect_address"` // Local connect address inside the bridge
		ConnectPort    int    `yaml:"connect_port"`    // Local connect port inside the bridge
	} `yaml:"pubsub"`
}

// ForwarderConfig describes the local process that carries one backend on the device.
type ForwarderConfig struct {
	Command      string            `yaml:"command"`       // Executable to run
	Args         []string          `yaml:"args"`          // Arguments; {deviceId} and {servicePort} are substituted
	Env          map[string]string `yaml:"env"`           // Extra environment
	StartupGrace time.Duration     `yaml:"startup_grace"` // Time the process must survive to count as started
	StopTimeout  time.Duration     `yaml:"stop_timeout"`  // Time between SIGTERM and kill
}

// AgentConfig represents the device agent configuration file.
type AgentConfig struct {
	LogLevel string     `yaml:"log_level"`
	MQTT     MQTTConfig `yaml:"mqtt"`

	Identity struct {
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
		DeviceID   string `yaml:"device_id"`   // Used when the identity file has no ID
	} `yaml:"identity"`

	LocalService struct {
		Protocol string `yaml:"protocol"` // Protocol of the service exposed through the tunnel
		Port     int    `yaml:"port"`     // Port of the service exposed through the tunnel
	} `yaml:"local_service"`

	Services struct {
		Tunnel struct {
			Enabled bool `yaml:"enabled"` // Enable/disable the direct method handlers
			Workers int  `yaml:"workers"` // Method handler workers
		} `yaml:"tunnel"`

		Heartbeat struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable heartbeat service
			Interval time.Duration `yaml:"interval"` // Interval between heartbeats
		} `yaml:"heartbeat"`
	} `yaml:"services"`

	Forwarders struct {
		Relay  *ForwarderConfig `yaml:"relay"`
		PubSub *ForwarderConfig `yaml:"webpubsub"`
	} `yaml:"forwarders"`
}

// LoadOrchestratorConfig loads the control plane configuration and applies defaults.
func LoadOrchestratorConfig(filename string, fileClient file.FileOperations) (*OrchestratorConfig, error) {
	var config OrchestratorConfig
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.MQTT.applyDefaults("tunnel-orchestrator")
	if config.HTTP.Address == "" {
		config.HTTP.Address = ":8080"
	}
	if config.RPC.MethodTimeout == 0 {
		config.RPC.MethodTimeout = constants.MethodResponseTimeout
	}
	if config.RPC.Presence.OfflineAfter == 0 {
		config.RPC.Presence.OfflineAfter = constants.DefaultOfflineAfter
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = constants.DefaultRequestTimeout
	}
	p := &config.Provisioner
	if p.Driver == "" {
		p.Driver = "aci"
	}
	if p.ContainerPort == 0 {
		p.ContainerPort = constants.DefaultContainerPort
	}
	if p.CPU == 0 {
		p.CPU = 1
	}
	if p.MemoryGB == 0 {
		p.MemoryGB = 1
	}
	if p.AddressWait == 0 {
		p.AddressWait = constants.DefaultAddressWait
	}
	if config.PubSub.ConnectAddress == "" {
		config.PubSub.ConnectAddress = constants.DefaultPubSubConnectAddress
	}
	if config.PubSub.ConnectPort == 0 {
		config.PubSub.ConnectPort = constants.DefaultPubSubConnectPort
	}

	if p.ResourceName == "" {
		return nil, fmt.Errorf("provisioner.resource_name is required")
	}
	if p.Driver == "aci" && (p.SubscriptionID == "" || p.ResourceGroup == "") {
		return nil, fmt.Errorf("provisioner.subscription_id and provisioner.resource_group are required for the aci driver")
	}
	return &config, nil
}

// LoadAgentConfig loads the device agent configuration and applies defaults.
func LoadAgentConfig(filename string, fileClient file.FileOperations) (*AgentConfig, error) {
	var config AgentConfig
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.MQTT.applyDefaults("tunnel-agent")
	if config.LocalService.Protocol == "" {
		config.LocalService.Protocol = "tcp"
	}
	if config.Services.Tunnel.Workers == 0 {
		config.Services.Tunnel.Workers = constants.DefaultMethodWorkers
	}
	if config.Services.Heartbeat.Interval == 0 {
		config.Services.Heartbeat.Interval = constants.DefaultHeartbeatInterval
	}
	for _, f := range []*ForwarderConfig{config.Forwarders.Relay, config.Forwarders.PubSub} {
		if f == nil {
			continue
		}
		if f.StartupGrace == 0 {
			f.StartupGrace = constants.DefaultStartupGrace
		}
		if f.StopTimeout == 0 {
			f.StopTimeout = constants.DefaultStopTimeout
		}
	}

	if config.LocalService.Port == 0 {
		return nil, fmt.Errorf("local_service.port is required")
	}
	return &config, nil
}

func (m *MQTTConfig) applyDefaults(clientID string) {
	if m.ClientID == "" {
		m.ClientID = clientID
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = constants.DefaultTopicPrefix
	}
	if m.QOS == 0 {
		m.QOS = 1
	}
}
