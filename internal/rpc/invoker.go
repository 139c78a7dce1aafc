package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Result is the outcome of one method invocation as reported by the device.
type Result struct {
	Status  int
	Payload json.RawMessage
}

// PresenceChecker reports whether a device is known to be unreachable.
type PresenceChecker interface {
	Offline(deviceID string) bool
}

type pendingCall struct {
	deviceID string
	result   chan Result
}

// Invoker sends direct methods to devices over MQTT and waits for their answers.
// Responses for all devices arrive on one wildcard subscription and are matched
// to callers by request id.
type Invoker struct {
	prefix   string
	qos      byte
	wrapper  mqtt.Wrapper
	presence PresenceChecker
	logger   zerolog.Logger

	pending cmap.ConcurrentMap[string, pendingCall]

	mu      sync.Mutex
	started bool
}

// NewInvoker creates an Invoker. presence may be nil to disable offline checks.
func NewInvoker(prefix string, qos int, wrapper mqtt.Wrapper, presence PresenceChecker, logger zerolog.Logger) *Invoker {
	return &Invoker{
		prefix:   prefix,
		qos:      byte(qos),
		wrapper:  wrapper,
		presence: presence,
		logger:   logger,
		pending:  cmap.New[pendingCall](),
	}
}

// Start subscribes to the method response topics.
func (i *Invoker) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil
	}

	filter := ResponseFilter(i.prefix)
	if err := i.wrapper.Subscribe(filter, i.qos, i.HandleResponse); err != nil {
		i.logger.Error().Err(err).Str("topic", filter).Msg("Failed to subscribe to method responses")
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	i.started = true
	i.logger.Info().Str("topic", filter).Msg("Listening for method responses")
	return nil
}

// Stop unsubscribes from the method response topics.
func (i *Invoker) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		return nil
	}
	i.started = false
	return i.wrapper.Unsubscribe(ResponseFilter(i.prefix))
}

// Invoke calls method on deviceID and waits up to timeout for the answer.
// A zero timeout uses constants.MethodResponseTimeout. No retries are made;
// every failure to obtain an answer is a *TransportError.
func (i *Invoker) Invoke(ctx context.Context, deviceID, method string, payload any, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = constants.MethodResponseTimeout
	}
	fail := func(err error) (Result, error) {
		return Result{}, &TransportError{DeviceID: deviceID, Method: method, Err: err}
	}

	i.mu.Lock()
	started := i.started
	i.mu.Unlock()
	if !started {
		return fail(ErrNotStarted)
	}
	if i.presence != nil && i.presence.Offline(deviceID) {
		return fail(ErrDeviceOffline)
	}

	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fail(fmt.Errorf("encode payload: %w", err))
		}
	}

	requestID := uuid.NewString()
	call := pendingCall{deviceID: deviceID, result: make(chan Result, 1)}
	i.pending.Set(requestID, call)
	defer i.pending.Remove(requestID)

	topic := RequestTopic(i.prefix, deviceID, method, requestID)
	i.logger.Debug().Str("device_id", deviceID).Str("method", method).Str("request_id", requestID).Msg("Invoking direct method")
	if err := i.wrapper.Publish(topic, i.qos, false, body); err != nil {
		return fail(fmt.Errorf("publish %s: %w", topic, err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		i.logger.Debug().Str("device_id", deviceID).Str("method", method).Int("status", res.Status).Msg("Direct method answered")
		return res, nil
	case <-timer.C:
		return fail(fmt.Errorf("%w after %s", ErrTimeout, timeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// HandleResponse routes a method response to the waiting caller.
func (i *Invoker) HandleResponse(_ MQTT.Client, msg MQTT.Message) {
	deviceID, status, requestID, err := parseResponseTopic(i.prefix, msg.Topic())
	if err != nil {
		i.logger.Warn().Err(err).Msg("Ignoring malformed method response")
		return
	}

	call, ok := i.pending.Get(requestID)
	if !ok {
		i.logger.Debug().Str("device_id", deviceID).Str("request_id", requestID).Msg("No caller waiting for method response")
		return
	}
	if call.deviceID != deviceID {
		i.logger.Warn().Str("device_id", deviceID).Str("expected", call.deviceID).Msg("Method response from unexpected device")
		return
	}
	// Only the first response for a request id is delivered.
	if _, ok := i.pending.Pop(requestID); !ok {
		return
	}

	payload := msg.Payload()
	if len(payload) == 0 {
		payload = []byte("null")
	}
	call.result <- Result{Status: status, Payload: append(json.RawMessage(nil), payload...)}
}
