package service_registry

import (
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/mocks"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/benmeehan/iot-tunnel/internal/services"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name     string
	startErr error
	log      *[]string
}

func (s *recordingService) Start() error {
	*s.log = append(*s.log, "start "+s.name)
	return s.startErr
}

func (s *recordingService) Stop() error {
	*s.log = append(*s.log, "stop "+s.name)
	return nil
}

func agentConfig() *utils.AgentConfig {
	cfg := &utils.AgentConfig{}
	cfg.MQTT.TopicPrefix = "tunnel"
	cfg.MQTT.QOS = 1
	cfg.LocalService.Protocol = "tcp"
	cfg.LocalService.Port = 22
	cfg.Services.Tunnel.Enabled = true
	cfg.Services.Tunnel.Workers = 1
	cfg.Services.Heartbeat.Enabled = true
	cfg.Services.Heartbeat.Interval = time.Hour
	cfg.Forwarders.Relay = &utils.ForwarderConfig{Command: "azbridge", Args: []string{"-R", "{deviceId}:localhost:{servicePort}"}}
	return cfg
}

func TestServiceRegistry_StartStopOrder(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(mocks.NewBroker(), zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", log: &log})
	sr.RegisterService("b", &recordingService{name: "b", log: &log})
	sr.RegisterService("a", &recordingService{name: "dup", log: &log})

	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestServiceRegistry_StartFailureRollsBack(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(mocks.NewBroker(), zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", log: &log})
	sr.RegisterService("b", &recordingService{name: "b", log: &log, startErr: errors.New("boom")})
	sr.RegisterService("c", &recordingService{name: "c", log: &log})

	err := sr.StartServices()

	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}

func TestServiceRegistry_RegisterServices(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("device-1")
	broker := mocks.NewBroker()
	sr := NewServiceRegistry(broker, zerolog.Nop())

	require.NoError(t, sr.RegisterServices(agentConfig(), deviceInfo))

	assert.Equal(t, []string{"tunnel", "heartbeat"}, sr.serviceKeys)

	tunnel, ok := sr.Service("tunnel")
	require.True(t, ok)
	assert.IsType(t, &services.TunnelService{}, tunnel)

	hb, ok := sr.Service("heartbeat")
	require.True(t, ok)
	heartbeat := hb.(*services.HeartbeatService)
	assert.Equal(t, rpc.HeartbeatTopic("tunnel", "device-1"), heartbeat.PubTopic)
	assert.NotNil(t, heartbeat.Connection)
}

func TestServiceRegistry_RegisterServices_RequiresForwarder(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("device-1")
	cfg := agentConfig()
	cfg.Forwarders.Relay = nil

	sr := NewServiceRegistry(mocks.NewBroker(), zerolog.Nop())
	err := sr.RegisterServices(cfg, deviceInfo)

	assert.Error(t, err)
}

func TestServiceRegistry_RegisterServices_HeartbeatOnly(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("device-1")
	cfg := agentConfig()
	cfg.Services.Tunnel.Enabled = false

	sr := NewServiceRegistry(mocks.NewBroker(), zerolog.Nop())
	require.NoError(t, sr.RegisterServices(cfg, deviceInfo))

	hb, ok := sr.Service("heartbeat")
	require.True(t, ok)
	assert.Nil(t, hb.(*services.HeartbeatService).Connection)
}
