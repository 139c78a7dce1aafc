package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/httpapi"
	"github.com/benmeehan/iot-tunnel/internal/orchestrator"
	"github.com/benmeehan/iot-tunnel/internal/provisioner"
	"github.com/benmeehan/iot-tunnel/internal/provisioner/aci"
	"github.com/benmeehan/iot-tunnel/internal/provisioner/memory"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "tunnel-orchestrator",
		Short:         "Create and tear down device tunnels over MQTT direct methods",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/orchestrator.yaml", "path to the orchestrator configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	fileClient := file.NewFileService()
	config, err := utils.LoadOrchestratorConfig(configPath, fileClient)
	if err != nil {
		bootstrap := utils.NewLogger("", "orchestrator")
		bootstrap.Error().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		return err
	}
	logger := utils.NewLogger(config.LogLevel, "orchestrator")

	clientID := config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", clientID).Msg("Using MQTT client ID")

	mqttClient := mqtt.NewMqttService(fileClient, logger.With().Str("module", "mqtt").Logger())
	if err := mqttClient.Initialize(mqtt.Options{
		Broker:        config.MQTT.Broker,
		ClientID:      clientID,
		CACertificate: config.MQTT.CACertificate,
		Username:      config.MQTT.Username,
		Password:      config.MQTT.Password,
		KeepAlive:     config.MQTT.KeepAlive,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to initialize MQTT connection")
		return err
	}
	defer mqttClient.Disconnect(250)
	wrapper := mqtt.NewWrapper(mqttClient, mqtt.DefaultOperationTimeout)

	var (
		presence *rpc.Presence
		checker  rpc.PresenceChecker
		devices  httpapi.DeviceStatuses
	)
	if config.RPC.Presence.Enabled {
		presence = rpc.NewPresence(config.MQTT.TopicPrefix, config.MQTT.QOS, config.RPC.Presence.OfflineAfter, wrapper,
			logger.With().Str("module", "presence").Logger())
		if err := presence.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start presence tracking")
			return err
		}
		defer presence.Stop()
		checker, devices = presence, presence
	}

	invoker := rpc.NewInvoker(config.MQTT.TopicPrefix, config.MQTT.QOS, wrapper, checker,
		logger.With().Str("module", "invoker").Logger())
	if err := invoker.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start method invoker")
		return err
	}
	defer invoker.Stop()

	registry, err := newRegistry(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create resource registry")
		return err
	}
	prov := provisioner.New(registry, provisioner.Options{
		Port:        config.Provisioner.ContainerPort,
		AddressWait: config.Provisioner.AddressWait,
	}, logger.With().Str("module", "provisioner").Logger())

	backends := newBackends(config)
	if len(backends) == 0 {
		logger.Warn().Msg("No tunnel backend configured, every create request will be rejected")
	}
	orch := orchestrator.New(invoker, prov, backends, orchestrator.Options{
		ResourceName:   config.Provisioner.ResourceName,
		MethodTimeout:  config.RPC.MethodTimeout,
		RequestTimeout: config.RequestTimeout,
	}, logger.With().Str("module", "orchestrator").Logger())

	server := &http.Server{
		Addr:              config.HTTP.Address,
		Handler:           httpapi.New(logger.With().Str("module", "http").Logger(), orch, devices),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", config.HTTP.Address).Msg("HTTP API listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	return nil
}

func newRegistry(config *utils.OrchestratorConfig, logger zerolog.Logger) (provisioner.Registry, error) {
	p := config.Provisioner
	switch p.Driver {
	case "aci":
		return aci.New(aci.Config{
			SubscriptionID:   p.SubscriptionID,
			ResourceGroup:    p.ResourceGroup,
			CPU:              p.CPU,
			MemoryGB:         p.MemoryGB,
			RegistryServer:   p.Registry.Server,
			RegistryUsername: p.Registry.Username,
			RegistryPassword: p.Registry.Password,
		}, logger.With().Str("module", "aci").Logger()), nil
	case "memory":
		logger.Warn().Msg("Using the in-memory resource registry, no cloud resources will be created")
		return memory.New(), nil
	default:
		return nil, errors.NotValidf("provisioner driver %q", p.Driver)
	}
}

// newBackends enables each backend whose credentials are configured.
func newBackends(config *utils.OrchestratorConfig) []orchestrator.Backend {
	var backends []orchestrator.Backend
	if config.Relay.ConnectionString != "" {
		backends = append(backends, orchestrator.NewRelayBackend(orchestrator.RelaySettings{
			ConnectionString: config.Relay.ConnectionString,
			Image:            config.Relay.Image,
			Port:             config.Provisioner.ContainerPort,
		}))
	}
	if config.PubSub.Endpoint != "" {
		backends = append(backends, orchestrator.NewPubSubBackend(orchestrator.PubSubSettings{
			Endpoint:       config.PubSub.Endpoint,
			Key:            config.PubSub.Key,
			Hub:            config.PubSub.Hub,
			Image:          config.PubSub.Image,
			Port:           config.Provisioner.ContainerPort,
			ConnectAddress: config.PubSub.ConnectAddress,
			ConnectPort:    config.PubSub.ConnectPort,
		}))
	}
	return backends
}
