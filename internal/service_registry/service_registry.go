package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/iot-tunnel/internal/agent"
	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/registry"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/benmeehan/iot-tunnel/internal/services"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of the agent's services.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	wrapper     mqtt.Wrapper
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(wrapper mqtt.Wrapper, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]registry.Service),
		wrapper:  wrapper,
		Logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Service returns a registered service by name.
func (sr *ServiceRegistry) Service(name string) (registry.Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
// The tunnel service is registered first so heartbeats can report its state.
func (sr *ServiceRegistry) RegisterServices(config *utils.AgentConfig, deviceInfo identity.DeviceInfoInterface) error {
	deviceID := deviceInfo.GetDeviceID()
	prefix := config.MQTT.TopicPrefix

	var conn *agent.ConnectionManager

	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "tunnel",
			enabled: config.Services.Tunnel.Enabled,
			constructor: func() (registry.Service, error) {
				forwarders, err := sr.buildForwarders(config, deviceID)
				if err != nil {
					return nil, err
				}
				conn = agent.NewConnectionManager(forwarders, sr.Logger.With().Str("module", "connection").Logger())

				pool := utils.NewWorkerPool(config.Services.Tunnel.Workers)
				dispatcher := rpc.NewDispatcher(prefix, deviceID, config.MQTT.QOS, sr.wrapper, pool,
					sr.Logger.With().Str("module", "dispatcher").Logger())
				a := agent.New(deviceID, config.LocalService.Protocol, config.LocalService.Port, conn, sr.Logger)

				return services.NewTunnelService(dispatcher, a, pool, constants.DefaultStopTimeout, sr.Logger), nil
			},
		},
		{
			name:    "heartbeat",
			enabled: config.Services.Heartbeat.Enabled,
			constructor: func() (registry.Service, error) {
				var state services.ConnectionState
				if conn != nil {
					state = conn
				}
				return services.NewHeartbeatService(
					rpc.HeartbeatTopic(prefix, deviceID),
					config.Services.Heartbeat.Interval,
					config.MQTT.QOS,
					deviceInfo,
					state,
					sr.wrapper,
					sr.Logger,
				), nil
			},
		},
	}

	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

func (sr *ServiceRegistry) buildForwarders(config *utils.AgentConfig, deviceID string) (map[models.BackendKind]agent.Forwarder, error) {
	forwarders := make(map[models.BackendKind]agent.Forwarder)
	for kind, cfg := range map[models.BackendKind]*utils.ForwarderConfig{
		models.BackendRelay:  config.Forwarders.Relay,
		models.BackendPubSub: config.Forwarders.PubSub,
	} {
		if cfg == nil || cfg.Command == "" {
			sr.Logger.Debug().Str("bridge_type", string(kind)).Msg("No forwarder configured, skipping")
			continue
		}
		forwarders[kind] = agent.NewProcessForwarder(string(kind), *cfg, deviceID, config.LocalService.Port, sr.Logger)
	}
	if len(forwarders) == 0 {
		return nil, errors.New("tunnel service requires at least one forwarder")
	}
	return forwarders, nil
}
