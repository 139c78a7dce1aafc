package rpc

import (
	"encoding/json"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Presence tracks device heartbeats on the control plane.
type Presence struct {
	prefix       string
	qos          byte
	offlineAfter time.Duration
	wrapper      mqtt.Wrapper
	logger       zerolog.Logger
	now          func() time.Time

	devices cmap.ConcurrentMap[string, models.DeviceStatus]
}

// NewPresence creates a Presence that considers a device offline once
// offlineAfter has passed since its last heartbeat.
func NewPresence(prefix string, qos int, offlineAfter time.Duration, wrapper mqtt.Wrapper, logger zerolog.Logger) *Presence {
	return &Presence{
		prefix:       prefix,
		qos:          byte(qos),
		offlineAfter: offlineAfter,
		wrapper:      wrapper,
		logger:       logger,
		now:          time.Now,
		devices:      cmap.New[models.DeviceStatus](),
	}
}

// Start subscribes to device heartbeats.
func (p *Presence) Start() error {
	return p.wrapper.Subscribe(HeartbeatFilter(p.prefix), p.qos, p.HandleHeartbeat)
}

// Stop unsubscribes from device heartbeats.
func (p *Presence) Stop() error {
	return p.wrapper.Unsubscribe(HeartbeatFilter(p.prefix))
}

// HandleHeartbeat records a heartbeat message.
func (p *Presence) HandleHeartbeat(_ MQTT.Client, msg MQTT.Message) {
	deviceID, err := parseHeartbeatTopic(p.prefix, msg.Topic())
	if err != nil {
		p.logger.Warn().Err(err).Msg("Ignoring malformed heartbeat")
		return
	}

	var hb models.Heartbeat
	if err := json.Unmarshal(msg.Payload(), &hb); err != nil {
		p.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Invalid heartbeat payload")
		return
	}
	// The topic is authoritative for the device identity.
	hb.DeviceID = deviceID
	p.devices.Set(deviceID, models.DeviceStatus{Heartbeat: hb, LastSeen: p.now()})
}

// Offline reports whether deviceID has been heard from but not within the
// offline window. A device not seen since startup is unknown, not offline:
// its next heartbeat may still be up to one interval away.
func (p *Presence) Offline(deviceID string) bool {
	st, ok := p.devices.Get(deviceID)
	return ok && p.now().Sub(st.LastSeen) > p.offlineAfter
}

// Status returns the last heartbeat of deviceID.
func (p *Presence) Status(deviceID string) (models.DeviceStatus, bool) {
	st, ok := p.devices.Get(deviceID)
	if !ok {
		return models.DeviceStatus{}, false
	}
	st.Online = p.now().Sub(st.LastSeen) <= p.offlineAfter
	return st, true
}
