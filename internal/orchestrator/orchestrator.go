// Package orchestrator drives tunnel creation and teardown for the control
// plane: it asks the device to open or close its side of the bridge and, on
// success, provisions or removes the cloud side.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/im7mortal/kmutex"
	"github.com/rs/zerolog"
)

// MethodInvoker calls direct methods on devices.
type MethodInvoker interface {
	Invoke(ctx context.Context, deviceID, method string, payload any, timeout time.Duration) (rpc.Result, error)
}

// ResourceProvisioner manages the cloud side bridge resource.
type ResourceProvisioner interface {
	EnsureRunning(ctx context.Context, name, image string, cfg models.BridgeConfig) (string, error)
	Delete(ctx context.Context, name string) error
}

// Options configure an Orchestrator.
type Options struct {
	// ResourceName is the single bridge resource shared by all devices.
	ResourceName   string
	MethodTimeout  time.Duration
	RequestTimeout time.Duration
}

// Tunnel describes an established tunnel.
type Tunnel struct {
	Message         string
	Address         string
	Backend         models.BackendKind
	ServiceProtocol string
	ServicePort     string
}

// Orchestrator handles create and delete requests. It keeps no per-request
// state; requests for the same device are serialized.
type Orchestrator struct {
	invoker     MethodInvoker
	provisioner ResourceProvisioner
	backends    map[models.BackendKind]Backend
	opts        Options
	devices     *kmutex.Kmutex
	logger      zerolog.Logger
}

// New creates an Orchestrator serving the given backends.
func New(invoker MethodInvoker, provisioner ResourceProvisioner, backends []Backend, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.MethodTimeout <= 0 {
		opts.MethodTimeout = constants.MethodResponseTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = constants.DefaultRequestTimeout
	}
	byKind := make(map[models.BackendKind]Backend, len(backends))
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	return &Orchestrator{
		invoker:     invoker,
		provisioner: provisioner,
		backends:    byKind,
		opts:        opts,
		devices:     kmutex.New(),
		logger:      logger,
	}
}

func validateDeviceID(deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return &ValidationError{Field: "deviceId", Reason: "is required"}
	}
	if !rpc.ValidTopicSegment(deviceID) {
		return &ValidationError{Field: "deviceId", Reason: "contains invalid characters"}
	}
	return nil
}

// Create opens a tunnel to req.DeviceID. The device must accept the method
// before any cloud resource is provisioned; a refusal is returned as a
// *RemoteRejection carrying the device's status and payload.
func (o *Orchestrator) Create(ctx context.Context, req models.TunnelRequest) (*Tunnel, error) {
	if err := validateDeviceID(req.DeviceID); err != nil {
		return nil, err
	}
	backend, ok := o.backends[req.Backend()]
	if !ok {
		return nil, &ValidationError{Field: "bridgeType", Reason: fmt.Sprintf("%q is not enabled", req.Backend())}
	}

	o.devices.Lock(req.DeviceID)
	defer o.devices.Unlock(req.DeviceID)

	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	log := o.logger.With().Str("device_id", req.DeviceID).Str("operation", "create").Str("bridge_type", string(backend.Kind())).Logger()

	log.Info().Str("method", backend.Method()).Msg("Invoking direct method")
	res, err := o.invoker.Invoke(ctx, req.DeviceID, backend.Method(), models.ConnectionRequest{BridgeType: backend.Kind()}, o.opts.MethodTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Direct method failed")
		return nil, err
	}
	if res.Status != constants.StatusOK {
		log.Error().Int("status", res.Status).RawJSON("payload", safeJSON(res.Payload)).Msg("Device rejected the connection")
		return nil, &RemoteRejection{DeviceID: req.DeviceID, Method: backend.Method(), Status: res.Status, Payload: res.Payload}
	}

	var device models.ConnectionResponse
	if err := json.Unmarshal(res.Payload, &device); err != nil {
		log.Warn().Err(err).Msg("Unreadable connection payload from device")
	}

	log.Info().Str("resource", o.opts.ResourceName).Msg("Ensuring bridge resource is running")
	address, err := o.provisioner.EnsureRunning(ctx, o.opts.ResourceName, backend.Image(), backend.BuildConfig(req.DeviceID))
	if err != nil {
		log.Error().Err(err).Msg("Bridge provisioning failed")
		o.closeDeviceConnection(ctx, req.DeviceID, log)
		return nil, err
	}

	log.Info().Str("address", address).Msg("Tunnel established")
	return &Tunnel{
		Message:         fmt.Sprintf("Device access will be available via: http://%s", address),
		Address:         address,
		Backend:         backend.Kind(),
		ServiceProtocol: device.ServiceProtocol,
		ServicePort:     device.ServicePort,
	}, nil
}

// Delete closes the tunnel to deviceID. The device is asked to stop its
// forwarder first; whatever it answers, the bridge resource is removed.
func (o *Orchestrator) Delete(ctx context.Context, deviceID string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}

	o.devices.Lock(deviceID)
	defer o.devices.Unlock(deviceID)

	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	log := o.logger.With().Str("device_id", deviceID).Str("operation", "delete").Logger()

	log.Info().Str("method", constants.MethodDeleteConnection).Msg("Invoking direct method")
	res, err := o.invoker.Invoke(ctx, deviceID, constants.MethodDeleteConnection, nil, o.opts.MethodTimeout)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Direct method failed, deleting bridge resource anyway")
	case res.Status != constants.StatusOK && res.Status != constants.StatusNoContent:
		log.Warn().Int("status", res.Status).RawJSON("payload", safeJSON(res.Payload)).Msg("Device could not close the connection, deleting bridge resource anyway")
	default:
		log.Info().Int("status", res.Status).Msg("Device closed the connection")
	}

	if err := o.provisioner.Delete(ctx, o.opts.ResourceName); err != nil {
		log.Error().Err(err).Msg("Bridge resource deletion failed")
		return err
	}
	log.Info().Str("resource", o.opts.ResourceName).Msg("Tunnel removed")
	return nil
}

// requestContext bounds a request by RequestTimeout only. A caller that goes
// away mid-request does not interrupt the RPC wait or the resource cleanup.
func (o *Orchestrator) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.RequestTimeout)
}

// closeDeviceConnection asks the device to stop the forwarder it started for a
// create that could not be completed. The outcome is only logged.
func (o *Orchestrator) closeDeviceConnection(ctx context.Context, deviceID string, log zerolog.Logger) {
	// The request deadline may be what failed provisioning.
	res, err := o.invoker.Invoke(context.WithoutCancel(ctx), deviceID, constants.MethodDeleteConnection, nil, o.opts.MethodTimeout)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Could not close device connection after failed provisioning")
	case res.Status != constants.StatusOK && res.Status != constants.StatusNoContent:
		log.Warn().Int("status", res.Status).RawJSON("payload", safeJSON(res.Payload)).Msg("Device refused to close connection after failed provisioning")
	default:
		log.Info().Msg("Device connection closed after failed provisioning")
	}
}

// safeJSON keeps malformed device payloads from corrupting the log line.
func safeJSON(b json.RawMessage) []byte {
	if len(b) == 0 || !json.Valid(b) {
		quoted, _ := json.Marshal(string(b))
		return quoted
	}
	return b
}
