package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/iot-tunnel/internal/service_registry"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "tunnel-agent",
		Short:         "Serve tunnel direct methods on a device",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/agent.yaml", "path to the agent configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadAgentConfig(configPath, fileClient)
	if err != nil {
		bootstrap := utils.NewLogger("", "agent")
		bootstrap.Error().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		return err
	}
	logger := utils.NewLogger(config.LogLevel, "agent")

	// Generate a unique MQTT Client ID by appending a UUID
	clientID := config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", clientID).Msg("Using MQTT client ID")

	// Initialize the shared MQTT connection
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

	// Initialize DeviceInfo
	deviceInfo := identity.NewDeviceInfo(config.Identity.DeviceFile, fileClient)
	if err := deviceInfo.LoadDeviceInfo(config.Identity.DeviceID); err != nil {
		logger.Error().Err(err).Msg("Failed to load device information")
		return err
	}
	logger = logger.With().Str("device_id", deviceInfo.GetDeviceID()).Logger()

	// Create a new service registry to manage services
	wrapper := mqtt.NewWrapper(mqttClient, mqtt.DefaultOperationTimeout)
	serviceRegistry := service_registry.NewServiceRegistry(wrapper, logger)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, deviceInfo); err != nil {
		logger.Error().Err(err).Msg("Failed to register services")
		return err
	}

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to start services")
		return err
	}
	logger.Info().Msg("All services started successfully")

	<-ctx.Done()

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Warn().Err(err).Msg("Some services did not stop cleanly")
	}
	return nil
}
