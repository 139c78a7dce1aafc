package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/rs/zerolog"
)

// Registrar accepts direct method handlers.
type Registrar interface {
	Handle(method string, h rpc.MethodHandler)
}

// Agent answers the tunnel direct methods for one device.
type Agent struct {
	deviceID        string
	serviceProtocol string
	servicePort     int
	conn            *ConnectionManager
	logger          zerolog.Logger
}

// New creates an Agent exposing the local service serviceProtocol/servicePort.
func New(deviceID, serviceProtocol string, servicePort int, conn *ConnectionManager, logger zerolog.Logger) *Agent {
	return &Agent{
		deviceID:        deviceID,
		serviceProtocol: serviceProtocol,
		servicePort:     servicePort,
		conn:            conn,
		logger:          logger,
	}
}

// Register installs the connection handlers on r.
func (a *Agent) Register(r Registrar) {
	r.Handle(constants.MethodCreateConnection, a.CreateConnection)
	r.Handle(constants.MethodCreateWebPubSubConnection, a.CreateWebPubSubConnection)
	r.Handle(constants.MethodDeleteConnection, a.DeleteConnection)
}

// Connection exposes the agent's connection state.
func (a *Agent) Connection() *ConnectionManager {
	return a.conn
}

// CreateConnection opens a relay tunnel.
func (a *Agent) CreateConnection(ctx context.Context, req rpc.MethodRequest) rpc.MethodResponse {
	return a.openConnection(ctx, req, models.BackendRelay)
}

// CreateWebPubSubConnection opens a pub/sub tunnel.
func (a *Agent) CreateWebPubSubConnection(ctx context.Context, req rpc.MethodRequest) rpc.MethodResponse {
	return a.openConnection(ctx, req, models.BackendPubSub)
}

func (a *Agent) openConnection(ctx context.Context, req rpc.MethodRequest, kind models.BackendKind) rpc.MethodResponse {
	log := a.logger.With().Str("method", req.Name).Str("request_id", req.RequestID).Logger()

	// The method name selects the backend; a payload bridgeType is informational.
	var body models.ConnectionRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err == nil && body.BridgeType != "" && body.BridgeType != kind {
			log.Warn().Str("requested", string(body.BridgeType)).Str("bridge_type", string(kind)).Msg("Payload bridge type does not match method")
		}
	}

	started, err := a.conn.Open(ctx, kind)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start forwarder")
		return rpc.NewMethodResponse(constants.StatusError, models.ConnectionResponse{
			Result: fmt.Sprintf("Unable to start forwarder for %s connection: %s", kind, a.deviceID),
		})
	}
	if started {
		log.Info().Str("bridge_type", string(kind)).Msg("Tunnel connected")
	}

	return rpc.NewMethodResponse(constants.StatusOK, models.ConnectionResponse{
		Result:          fmt.Sprintf("Executed direct method: %s for %s connection: %s", req.Name, kind, a.deviceID),
		ServiceProtocol: a.serviceProtocol,
		ServicePort:     strconv.Itoa(a.servicePort),
	})
}

// DeleteConnection closes the active tunnel, whatever its backend.
func (a *Agent) DeleteConnection(ctx context.Context, req rpc.MethodRequest) rpc.MethodResponse {
	log := a.logger.With().Str("method", req.Name).Str("request_id", req.RequestID).Logger()

	kind := a.conn.Backend()
	stopped, err := a.conn.Close(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to stop forwarder")
		return rpc.NewMethodResponse(constants.StatusError, models.ConnectionResponse{
			Result: fmt.Sprintf("Unable to stop forwarder for %s connection: %s", kind, a.deviceID),
		})
	}
	if stopped {
		log.Info().Str("bridge_type", string(kind)).Msg("Tunnel disconnected")
	}

	return rpc.NewMethodResponse(constants.StatusNoContent, models.ConnectionResponse{
		Result: fmt.Sprintf("Executed direct method: %s for connection: %s", req.Name, a.deviceID),
	})
}
