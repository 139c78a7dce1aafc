package mqtt

import (
	"testing"

	"github.com/benmeehan/iot-tunnel/internal/mocks"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestMqttService_RestoresSubscriptionsOnReconnect(t *testing.T) {
	// Setup
	client := new(mocks.MockMQTTClient)
	token := new(mocks.MockToken)
	token.On("WaitTimeout", DefaultOperationTimeout).Return(true)
	token.On("Error").Return(nil)
	client.On("Subscribe", "tunnel/+/heartbeat", byte(1), mock.Anything).Return(token)
	client.On("Subscribe", "tunnel/dev-1/methods/POST/#", byte(1), mock.Anything).Return(token)
	client.On("Unsubscribe", []string{"tunnel/dev-1/methods/POST/#"}).Return(token)

	s := NewMqttService(file.NewFileService(), zerolog.Nop())
	s.client = client
	handler := func(MQTT.Client, MQTT.Message) {}

	s.Subscribe("tunnel/+/heartbeat", 1, handler)
	s.Subscribe("tunnel/dev-1/methods/POST/#", 1, handler)
	s.Unsubscribe("tunnel/dev-1/methods/POST/#")

	// Execute
	s.resubscribe()

	// Assert
	client.AssertNumberOfCalls(t, "Subscribe", 3)
	assert.Len(t, s.subs, 1)
	assert.Contains(t, s.subs, "tunnel/+/heartbeat")
}

func TestMqttService_ResubscribeLogsFailures(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	slow := new(mocks.MockToken)
	slow.On("WaitTimeout", DefaultOperationTimeout).Return(false)
	client.On("Subscribe", "tunnel/+/heartbeat", byte(1), mock.Anything).Return(slow)

	s := NewMqttService(file.NewFileService(), zerolog.Nop())
	s.client = client
	s.subs["tunnel/+/heartbeat"] = subscription{qos: 1, handler: func(MQTT.Client, MQTT.Message) {}}

	s.resubscribe()

	client.AssertNumberOfCalls(t, "Subscribe", 1)
	slow.AssertNotCalled(t, "Error")
}
