package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/agent"
	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/rs/zerolog"
)

// ConnectionState reports the device's tunnel state for heartbeats.
type ConnectionState interface {
	State() agent.State
	Backend() models.BackendKind
}

// HeartbeatService manages periodic heartbeat messages.
type HeartbeatService struct {
	PubTopic   string
	Interval   time.Duration
	QOS        int
	DeviceInfo identity.DeviceInfoInterface
	Connection ConnectionState
	Wrapper    mqtt.Wrapper
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService initializes a new HeartbeatService. conn may be nil when
// the tunnel service is disabled.
func NewHeartbeatService(pubTopic string, interval time.Duration, qos int, deviceInfo identity.DeviceInfoInterface,
	conn ConnectionState, wrapper mqtt.Wrapper, logger zerolog.Logger) *HeartbeatService {

	return &HeartbeatService{
		PubTopic:   pubTopic,
		Interval:   interval,
		QOS:        qos,
		DeviceInfo: deviceInfo,
		Connection: conn,
		Wrapper:    wrapper,
		Logger:     logger,
	}
}

// Start publishes a first heartbeat and launches the heartbeat loop.
func (h *HeartbeatService) Start() error {
	if h.ctx != nil {
		h.Logger.Warn().Msg("HeartbeatService is already running")
		return errors.New("heartbeat service is already running")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runHeartbeatLoop()
	}()

	h.Logger.Info().Str("topic", h.PubTopic).Msg("HeartbeatService started successfully")
	return nil
}

// Stop gracefully stops the heartbeat service.
func (h *HeartbeatService) Stop() error {
	if h.ctx == nil {
		h.Logger.Warn().Msg("HeartbeatService is not running")
		return errors.New("heartbeat service is not running")
	}

	h.cancel()
	h.wg.Wait()

	h.ctx = nil
	h.cancel = nil

	h.Logger.Info().Msg("HeartbeatService stopped successfully")
	return nil
}

func (h *HeartbeatService) runHeartbeatLoop() {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	// Announce presence right away so the control plane does not wait a full interval.
	h.publish()

	for {
		select {
		case <-ticker.C:
			h.publish()
		case <-h.ctx.Done():
			h.Logger.Info().Msg("HeartbeatService stopping gracefully")
			return
		}
	}
}

func (h *HeartbeatService) publish() {
	heartbeatMessage := models.Heartbeat{
		DeviceID:        h.DeviceInfo.GetDeviceID(),
		Timestamp:       time.Now().UTC(),
		Status:          constants.StatusAlive,
		ConnectionState: agent.StateDisconnected.String(),
	}
	if h.Connection != nil {
		heartbeatMessage.ConnectionState = h.Connection.State().String()
		heartbeatMessage.BridgeType = h.Connection.Backend()
	}

	payload, err := json.Marshal(heartbeatMessage)
	if err != nil {
		h.Logger.Error().Err(err).Msg("Failed to serialize heartbeat message")
		return
	}

	if err := h.Wrapper.Publish(h.PubTopic, byte(h.QOS), false, payload); err != nil {
		h.Logger.Error().Err(err).Msg("Failed to publish heartbeat message")
		return
	}
	h.Logger.Debug().Msg("Heartbeat published successfully")
}
