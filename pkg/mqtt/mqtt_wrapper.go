package mqtt

import (
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// DefaultOperationTimeout bounds how long a wrapped operation waits for its token.
const DefaultOperationTimeout = 10 * time.Second

// Wrapper defines the interface for an error-returning view of an MQTT client
// that wraps common MQTT operations such as publishing, subscribing, and unsubscribing.
type Wrapper interface {
	// Publish publishes a message to the given MQTT topic with the specified
	// Quality of Service (QoS), retention flag, and payload, and waits for
	// the broker acknowledgement.
	Publish(topic string, qos byte, retained bool, payload interface{}) error

	// Subscribe subscribes to the given MQTT topic with the specified
	// Quality of Service (QoS) level and a callback function that will be
	// triggered when messages are received on that topic.
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) error

	// Unsubscribe unsubscribes from one or more specified MQTT topics.
	Unsubscribe(topics ...string) error
}

// tokenWrapper delegates to an MQTTClient and waits on every token.
type tokenWrapper struct {
	client  MQTTClient
	timeout time.Duration
}

// NewWrapper returns a Wrapper over client. A zero timeout uses DefaultOperationTimeout.
func NewWrapper(client MQTTClient, timeout time.Duration) Wrapper {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &tokenWrapper{client: client, timeout: timeout}
}

func (w *tokenWrapper) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	return w.wait("publish", topic, w.client.Publish(topic, qos, retained, payload))
}

func (w *tokenWrapper) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) error {
	return w.wait("subscribe", topic, w.client.Subscribe(topic, qos, callback))
}

func (w *tokenWrapper) Unsubscribe(topics ...string) error {
	return w.wait("unsubscribe", fmt.Sprint(topics), w.client.Unsubscribe(topics...))
}

func (w *tokenWrapper) wait(op, topic string, token MQTT.Token) error {
	if !token.WaitTimeout(w.timeout) {
		return fmt.Errorf("%s %s: timed out after %s", op, topic, w.timeout)
	}
	return token.Error()
}
