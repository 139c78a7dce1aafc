package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/provisioner"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, deviceID, method string, payload any, timeout time.Duration) (rpc.Result, error) {
	args := m.Called(ctx, deviceID, method, payload, timeout)
	return args.Get(0).(rpc.Result), args.Error(1)
}

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) EnsureRunning(ctx context.Context, name, image string, cfg models.BridgeConfig) (string, error) {
	args := m.Called(ctx, name, image, cfg)
	return args.String(0), args.Error(1)
}

func (m *MockProvisioner) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func testBackends() []Backend {
	return []Backend{
		NewRelayBackend(RelaySettings{ConnectionString: "Endpoint=sb://relay", Image: "relay:latest", Port: 8080}),
		NewPubSubBackend(PubSubSettings{Endpoint: "https://hub", Key: "k", Hub: "tunnels", Image: "pubsub:latest", Port: 8080}),
	}
}

func newTestOrchestrator(inv MethodInvoker, prov ResourceProvisioner) *Orchestrator {
	return New(inv, prov, testBackends(), Options{
		ResourceName:   "bridge",
		MethodTimeout:  time.Second,
		RequestTimeout: 5 * time.Second,
	}, zerolog.Nop())
}

func okResult() rpc.Result {
	return rpc.Result{Status: 200, Payload: json.RawMessage(`{"result":"ok","serviceProtocol":"tcp","servicePort":"22"}`)}
}

func TestCreate_MissingDeviceID(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	o := newTestOrchestrator(inv, prov)

	for _, id := range []string{"", "   "} {
		_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: id})

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "The deviceId is required.", err.Error())
		assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	}

	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	prov.AssertNotCalled(t, "EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_InvalidDeviceID(t *testing.T) {
	inv := new(MockInvoker)
	o := newTestOrchestrator(inv, new(MockProvisioner))

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev/+"})

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_RelaySuccess(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, "dev-1", constants.MethodCreateConnection,
		models.ConnectionRequest{BridgeType: models.BackendRelay}, time.Second).Return(okResult(), nil).Once()
	prov.On("EnsureRunning", mock.Anything, "bridge", "relay:latest", models.BridgeConfig{
		"AZRELAY_CONN_STRING":       "Endpoint=sb://relay",
		"AZRELAY_HYBRID_CONNECTION": "dev-1",
		"CONTAINER_PORT":            "8080",
	}).Return("bridge.westeurope.azurecontainer.io:8080", nil).Once()
	o := newTestOrchestrator(inv, prov)

	tunnel, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

	require.NoError(t, err)
	assert.Equal(t, "Device access will be available via: http://bridge.westeurope.azurecontainer.io:8080", tunnel.Message)
	assert.Equal(t, "bridge.westeurope.azurecontainer.io:8080", tunnel.Address)
	assert.Equal(t, models.BackendRelay, tunnel.Backend)
	assert.Equal(t, "tcp", tunnel.ServiceProtocol)
	assert.Equal(t, "22", tunnel.ServicePort)
	inv.AssertExpectations(t)
	prov.AssertExpectations(t)
}

func TestCreate_PubSubSuccess(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, "dev-1", constants.MethodCreateWebPubSubConnection, mock.Anything, mock.Anything).Return(okResult(), nil).Once()
	prov.On("EnsureRunning", mock.Anything, "bridge", "pubsub:latest", models.BridgeConfig{
		"Local__PubSubEndpoint":     "https://hub",
		"Local__PubSubKey":          "k",
		"Local__Hub":                "tunnels",
		"Local__Port":               "8080",
		"Local__Connect__IpAddress": "127.0.0.1",
		"Local__Connect__Port":      "8080",
		"Local__Connect__ServerId":  "dev-1",
	}).Return("bridge:8080", nil).Once()
	o := newTestOrchestrator(inv, prov)

	tunnel, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1", BridgeType: "WebPubSub"})

	require.NoError(t, err)
	assert.Equal(t, models.BackendPubSub, tunnel.Backend)
	prov.AssertExpectations(t)
}

func TestCreate_RemoteRejectionNeverProvisions(t *testing.T) {
	payload := json.RawMessage(`{"result":"Unable to start forwarder"}`)
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, "dev-1", constants.MethodCreateConnection, mock.Anything, mock.Anything).
		Return(rpc.Result{Status: 500, Payload: payload}, nil).Once()
	o := newTestOrchestrator(inv, prov)

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

	var rej *RemoteRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 500, rej.Status)
	assert.JSONEq(t, string(payload), string(rej.Payload))
	assert.Equal(t, 500, HTTPStatus(err))
	prov.AssertNotCalled(t, "EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_RemoteStatusPassedThrough(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(rpc.Result{Status: 501, Payload: json.RawMessage(`{"result":"Method CreateConnection is not implemented"}`)}, nil)
	o := newTestOrchestrator(inv, prov)

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

	assert.Equal(t, 501, HTTPStatus(err))
	prov.AssertNotCalled(t, "EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_TransportError(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	terr := &rpc.TransportError{DeviceID: "dev-1", Method: constants.MethodCreateConnection, Err: rpc.ErrTimeout}
	inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(rpc.Result{}, terr)
	o := newTestOrchestrator(inv, prov)

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

	assert.ErrorIs(t, err, rpc.ErrTimeout)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	prov.AssertNotCalled(t, "EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_ProvisioningError(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	perr := &provisioner.ProvisioningError{Op: "create", Name: "bridge", Err: errors.New("quota")}
	inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(okResult(), nil)
	prov.On("EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", perr)
	o := newTestOrchestrator(inv, prov)

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

	assert.ErrorIs(t, err, perr)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestCreate_ProvisioningFailureClosesDeviceConnection(t *testing.T) {
	tests := []struct {
		name     string
		closeRes rpc.Result
		closeErr error
	}{
		{name: "device closes", closeRes: rpc.Result{Status: 204}},
		{name: "device unreachable", closeErr: &rpc.TransportError{DeviceID: "dev-1", Err: rpc.ErrTimeout}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := new(MockInvoker)
			prov := new(MockProvisioner)
			perr := &provisioner.ProvisioningError{Op: "address", Name: "bridge", Err: errors.New("no address")}
			inv.On("Invoke", mock.Anything, "dev-1", constants.MethodCreateConnection, mock.Anything, mock.Anything).Return(okResult(), nil).Once()
			inv.On("Invoke", mock.Anything, "dev-1", constants.MethodDeleteConnection, nil, time.Second).Return(tt.closeRes, tt.closeErr).Once()
			prov.On("EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", perr)
			o := newTestOrchestrator(inv, prov)

			_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})

			assert.ErrorIs(t, err, perr)
			inv.AssertExpectations(t)
			prov.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
		})
	}
}

func liveContext() any {
	return mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
}

func TestCreate_CallerCancellationDoesNotAbort(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", liveContext(), "dev-1", constants.MethodCreateConnection, mock.Anything, mock.Anything).Return(okResult(), nil).Once()
	prov.On("EnsureRunning", liveContext(), "bridge", mock.Anything, mock.Anything).Return("bridge:8080", nil).Once()
	o := newTestOrchestrator(inv, prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tunnel, err := o.Create(ctx, models.TunnelRequest{DeviceID: "dev-1"})

	require.NoError(t, err)
	assert.Equal(t, "bridge:8080", tunnel.Address)
	inv.AssertExpectations(t)
	prov.AssertExpectations(t)
}

func TestDelete_CallerCancellationStillDeletesResource(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", liveContext(), "dev-1", constants.MethodDeleteConnection, nil, time.Second).Return(rpc.Result{Status: 204}, nil).Once()
	prov.On("Delete", liveContext(), "bridge").Return(nil).Once()
	o := newTestOrchestrator(inv, prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, o.Delete(ctx, "dev-1"))
	inv.AssertExpectations(t)
	prov.AssertExpectations(t)
}

func TestDelete_RequestTimeoutStillBounds(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(rpc.Result{Status: 204}, nil).Once()
	prov.On("Delete", mock.Anything, "bridge").Return(nil).Once()
	o := newTestOrchestrator(inv, prov)

	require.NoError(t, o.Delete(context.Background(), "dev-1"))
	inv.AssertExpectations(t)
}

func TestCreate_DisabledBackend(t *testing.T) {
	inv := new(MockInvoker)
	o := New(inv, new(MockProvisioner), []Backend{NewRelayBackend(RelaySettings{Image: "relay"})}, Options{ResourceName: "bridge"}, zerolog.Nop())

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1", BridgeType: "webpubsub"})

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDelete_Success(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, "dev-1", constants.MethodDeleteConnection, nil, time.Second).
		Return(rpc.Result{Status: 204, Payload: json.RawMessage(`{"result":"ok"}`)}, nil).Once()
	prov.On("Delete", mock.Anything, "bridge").Return(nil).Once()
	o := newTestOrchestrator(inv, prov)

	require.NoError(t, o.Delete(context.Background(), "dev-1"))
	inv.AssertExpectations(t)
	prov.AssertExpectations(t)
}

func TestDelete_ProceedsAfterRPCFailure(t *testing.T) {
	tests := []struct {
		name   string
		result rpc.Result
		err    error
	}{
		{name: "transport error", err: &rpc.TransportError{DeviceID: "dev-1", Err: rpc.ErrDeviceOffline}},
		{name: "device error", result: rpc.Result{Status: 500, Payload: json.RawMessage(`{"result":"stuck"}`)}},
		{name: "malformed payload", result: rpc.Result{Status: 500, Payload: json.RawMessage(`not json`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := new(MockInvoker)
			prov := new(MockProvisioner)
			inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tt.result, tt.err)
			prov.On("Delete", mock.Anything, "bridge").Return(nil).Once()
			o := newTestOrchestrator(inv, prov)

			assert.NoError(t, o.Delete(context.Background(), "dev-1"))
			prov.AssertExpectations(t)
		})
	}
}

func TestDelete_ResourceFailure(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(rpc.Result{Status: 204}, nil)
	prov.On("Delete", mock.Anything, "bridge").Return(&provisioner.ProvisioningError{Op: "delete", Name: "bridge", Err: errors.New("forbidden")})
	o := newTestOrchestrator(inv, prov)

	err := o.Delete(context.Background(), "dev-1")

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestDelete_MissingDeviceID(t *testing.T) {
	inv := new(MockInvoker)
	prov := new(MockProvisioner)
	o := newTestOrchestrator(inv, prov)

	err := o.Delete(context.Background(), "")

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	prov.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestCreate_SameDeviceIsSerialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	inv := new(MockInvoker)
	inv.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}).Return(okResult(), nil)
	prov := new(MockProvisioner)
	prov.On("EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("bridge:8080", nil)
	o := newTestOrchestrator(inv, prov)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "dev-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
}

func TestCreate_DifferentDevicesDoNotBlock(t *testing.T) {
	release := make(chan struct{})
	inv := new(MockInvoker)
	inv.On("Invoke", mock.Anything, "slow", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		<-release
	}).Return(okResult(), nil)
	inv.On("Invoke", mock.Anything, "fast", mock.Anything, mock.Anything, mock.Anything).Return(okResult(), nil)
	prov := new(MockProvisioner)
	prov.On("EnsureRunning", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("bridge:8080", nil)
	o := newTestOrchestrator(inv, prov)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = o.Create(context.Background(), models.TunnelRequest{DeviceID: "slow"})
	}()

	_, err := o.Create(context.Background(), models.TunnelRequest{DeviceID: "fast"})
	require.NoError(t, err)

	close(release)
	<-slowDone
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 200, HTTPStatus(nil))
	assert.Equal(t, 400, HTTPStatus(&ValidationError{Field: "deviceId", Reason: "is required"}))
	assert.Equal(t, 404, HTTPStatus(&RemoteRejection{Status: 404}))
	assert.Equal(t, 500, HTTPStatus(&RemoteRejection{Status: 0}))
	assert.Equal(t, 500, HTTPStatus(&RemoteRejection{Status: 1000}))
	assert.Equal(t, 500, HTTPStatus(errors.New("boom")))
}
