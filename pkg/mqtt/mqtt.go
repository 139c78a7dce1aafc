package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Options holds the broker connection settings.
type Options struct {
	Broker        string
	ClientID      string
	CACertificate string // Optional path to a PEM CA bundle; enables TLS
	Username      string
	Password      string
	KeepAlive     time.Duration
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// MqttService provides methods for MQTT operations. Subscriptions are
// remembered and restored after every reconnect, since the session is clean.
type MqttService struct {
	client     MQTTClient
	fileClient file.FileOperations
	logger     zerolog.Logger

	subsMu sync.Mutex
	subs   map[string]subscription
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations, logger zerolog.Logger) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		logger:     logger,
		subs:       make(map[string]subscription),
	}
}

// Initialize sets up the MQTT client and starts the connection.
func (s *MqttService) Initialize(o Options) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if o.KeepAlive > 0 {
		opts.SetKeepAlive(o.KeepAlive)
	}
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	if o.CACertificate != "" {
		caCert, err := s.fileClient.ReadFileRaw(o.CACertificate)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.logger.Info().Str("broker", o.Broker).Msg("Connected to MQTT broker")
		s.resubscribe()
	})

	s.client = mqtt.NewClient(opts)

	token := s.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}

	return nil
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	s.subsMu.Lock()
	s.subs[topic] = subscription{qos: qos, handler: callback}
	s.subsMu.Unlock()
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	s.subsMu.Lock()
	for _, topic := range topics {
		delete(s.subs, topic)
	}
	s.subsMu.Unlock()
	return s.client.Unsubscribe(topics...)
}

// resubscribe restores every active subscription. Paho runs the on-connect
// handler on its own goroutine, so waiting on the tokens here is safe.
func (s *MqttService) resubscribe() {
	s.subsMu.Lock()
	subs := make(map[string]subscription, len(s.subs))
	for topic, sub := range s.subs {
		subs[topic] = sub
	}
	s.subsMu.Unlock()

	for topic, sub := range subs {
		token := s.client.Subscribe(topic, sub.qos, sub.handler)
		if !token.WaitTimeout(DefaultOperationTimeout) {
			s.logger.Error().Str("topic", topic).Msg("Timed out restoring subscription")
			continue
		}
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
			continue
		}
		s.logger.Info().Str("topic", topic).Msg("Restored subscription")
	}
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	s.client.Disconnect(quiesce)
}
