package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/mocks"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) (*Invoker, *Dispatcher, *utils.WorkerPool) {
	t.Helper()
	broker := mocks.NewBroker()
	pool := utils.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)

	d := NewDispatcher("tunnel", "dev-1", 1, broker, pool, zerolog.Nop())
	require.NoError(t, d.Start())

	inv := NewInvoker("tunnel", 1, broker, nil, zerolog.Nop())
	require.NoError(t, inv.Start())
	return inv, d, pool
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	inv, d, _ := newTestPair(t)
	d.Handle("Echo", func(_ context.Context, req MethodRequest) MethodResponse {
		var in map[string]string
		_ = json.Unmarshal(req.Payload, &in)
		return NewMethodResponse(200, map[string]string{"echo": in["msg"], "method": req.Name})
	})

	res, err := inv.Invoke(context.Background(), "dev-1", "Echo", map[string]string{"msg": "hi"}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"echo":"hi","method":"Echo"}`, string(res.Payload))
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	inv, _, _ := newTestPair(t)

	res, err := inv.Invoke(context.Background(), "dev-1", "Reboot", nil, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 501, res.Status)
	assert.Contains(t, string(res.Payload), "Reboot")
}

func TestDispatcher_EmptyPayloadBecomesNull(t *testing.T) {
	inv, d, _ := newTestPair(t)
	d.Handle("Delete", func(context.Context, MethodRequest) MethodResponse {
		return MethodResponse{Status: 204}
	})

	res, err := inv.Invoke(context.Background(), "dev-1", "Delete", nil, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 204, res.Status)
	assert.Equal(t, "null", string(res.Payload))
}

func TestDispatcher_IgnoresOtherDevices(t *testing.T) {
	wrapper := new(mocks.MockWrapper)
	pool := utils.NewWorkerPool(1)
	defer pool.Shutdown()

	d := NewDispatcher("tunnel", "dev-1", 1, wrapper, pool, zerolog.Nop())
	d.HandleMessage(nil, mocks.NewMockMessage(RequestTopic("tunnel", "dev-2", "CreateConnection", "r"), nil))
	d.HandleMessage(nil, mocks.NewMockMessage("tunnel/dev-1/garbage", nil))

	wrapper.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_StartStop(t *testing.T) {
	wrapper := new(mocks.MockWrapper)
	wrapper.On("Subscribe", "tunnel/dev-1/methods/POST/+/+", byte(1), mock.Anything).Return(nil)
	wrapper.On("Unsubscribe", []string{"tunnel/dev-1/methods/POST/+/+"}).Return(errors.New("broker gone"))

	d := NewDispatcher("tunnel", "dev-1", 1, wrapper, utils.NewWorkerPool(1), zerolog.Nop())

	require.NoError(t, d.Start())
	err := d.Stop()
	assert.EqualError(t, err, "broker gone")
	assert.Error(t, d.ctx.Err())
	wrapper.AssertExpectations(t)
}

func TestNewMethodResponse_EncodeFailure(t *testing.T) {
	resp := NewMethodResponse(200, make(chan int))
	assert.Equal(t, 500, resp.Status)
	assert.True(t, json.Valid(resp.Payload))
}

func TestDispatcher_RejectsWhenWorkersBusy(t *testing.T) {
	// Setup
	broker := mocks.NewBroker()
	pool := utils.NewWorkerPool(1)
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		pool.Shutdown()
	})
	d := NewDispatcher("tunnel", "dev-1", 1, broker, pool, zerolog.Nop())
	d.Handle("Slow", func(context.Context, MethodRequest) MethodResponse {
		<-release
		return MethodResponse{Status: 200}
	})

	// Execute: one request runs, one is queued, the rest cannot fit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, rid := range []string{"r1", "r2", "r3", "r4"} {
			d.HandleMessage(nil, mocks.NewMockMessage(RequestTopic("tunnel", "dev-1", "Slow", rid), []byte("{}")))
		}
	}()

	// Assert
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleMessage blocked on a full worker queue")
	}
	assert.Eventually(t, func() bool {
		for _, topic := range broker.Published() {
			if strings.HasPrefix(topic, "tunnel/dev-1/methods/res/503/") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
