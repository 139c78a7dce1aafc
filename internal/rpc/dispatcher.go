package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MethodRequest is a direct method invocation received by a device.
type MethodRequest struct {
	Name      string
	RequestID string
	Payload   json.RawMessage
}

// MethodResponse is a device's answer to a direct method.
type MethodResponse struct {
	Status  int
	Payload json.RawMessage
}

// NewMethodResponse builds a MethodResponse with v encoded as JSON.
func NewMethodResponse(status int, v any) MethodResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return MethodResponse{
			Status:  constants.StatusError,
			Payload: json.RawMessage(fmt.Sprintf(`{"result":%q}`, err.Error())),
		}
	}
	return MethodResponse{Status: status, Payload: body}
}

// MethodHandler answers one direct method.
type MethodHandler func(ctx context.Context, req MethodRequest) MethodResponse

// Dispatcher is the device side of the direct method protocol. It subscribes to
// the device's method topic, runs the registered handler on a worker pool and
// publishes the handler's status and payload back.
type Dispatcher struct {
	prefix   string
	deviceID string
	qos      byte
	wrapper  mqtt.Wrapper
	pool     *utils.WorkerPool
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]MethodHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher for deviceID.
func NewDispatcher(prefix, deviceID string, qos int, wrapper mqtt.Wrapper, pool *utils.WorkerPool, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		prefix:   prefix,
		deviceID: deviceID,
		qos:      byte(qos),
		wrapper:  wrapper,
		pool:     pool,
		logger:   logger,
		handlers: make(map[string]MethodHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h MethodHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[method] = h
}

// Start subscribes to the device's method requests.
func (d *Dispatcher) Start() error {
	topic := RequestFilter(d.prefix, d.deviceID)
	if err := d.wrapper.Subscribe(topic, d.qos, d.HandleMessage); err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to direct methods")
		return err
	}
	d.logger.Info().Str("topic", topic).Msg("Listening for direct methods")
	return nil
}

// Stop unsubscribes and cancels the context handed to running handlers.
func (d *Dispatcher) Stop() error {
	d.cancel()
	topic := RequestFilter(d.prefix, d.deviceID)
	if err := d.wrapper.Unsubscribe(topic); err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Failed to unsubscribe from direct methods")
		return err
	}
	return nil
}

// HandleMessage parses a method request and queues it for execution.
func (d *Dispatcher) HandleMessage(_ MQTT.Client, msg MQTT.Message) {
	deviceID, method, requestID, err := parseRequestTopic(d.prefix, msg.Topic())
	if err != nil || deviceID != d.deviceID {
		d.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring unexpected method request")
		return
	}

	req := MethodRequest{Name: method, RequestID: requestID, Payload: append(json.RawMessage(nil), msg.Payload()...)}
	// The paho callback must not block, so a full queue is answered instead of waited on.
	err = d.pool.TrySubmit(func() { d.dispatch(req) })
	switch {
	case errors.Is(err, utils.ErrPoolBusy):
		d.logger.Warn().Str("method", method).Str("request_id", requestID).Msg("All method workers busy, rejecting request")
		go d.respond(req, NewMethodResponse(constants.StatusBusy, map[string]string{
			"result": fmt.Sprintf("Device is busy, unable to execute method %s", method),
		}))
	case err != nil:
		d.logger.Warn().Str("method", method).Msg("Dispatcher is stopping, dropping method request")
	}
}

func (d *Dispatcher) dispatch(req MethodRequest) {
	d.handlersMu.RLock()
	h, ok := d.handlers[req.Name]
	d.handlersMu.RUnlock()

	var resp MethodResponse
	if ok {
		resp = h(d.ctx, req)
	} else {
		d.logger.Warn().Str("method", req.Name).Msg("No handler registered for direct method")
		resp = NewMethodResponse(constants.StatusNotImplemented, map[string]string{
			"result": fmt.Sprintf("Method %s is not implemented", req.Name),
		})
	}
	d.respond(req, resp)
}

func (d *Dispatcher) respond(req MethodRequest, resp MethodResponse) {
	if len(resp.Payload) == 0 {
		resp.Payload = json.RawMessage("null")
	}

	topic := ResponseTopic(d.prefix, d.deviceID, resp.Status, req.RequestID)
	if err := d.wrapper.Publish(topic, d.qos, false, []byte(resp.Payload)); err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish method response")
		return
	}
	d.logger.Debug().Str("method", req.Name).Int("status", resp.Status).Msg("Published method response")
}
