package mocks

import (
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Broker is an in-memory mqtt.Wrapper that routes published messages to
// every matching subscription, honouring the + and # wildcards.
// Delivery happens on a new goroutine, like a real broker round trip.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published []string

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error
	// Drop, when it returns true for a topic, swallows the message.
	Drop func(topic string) bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *Broker) Publish(topic string, _ byte, _ bool, payload interface{}) error {
	b.mu.Lock()
	if b.PublishErr != nil {
		b.mu.Unlock()
		return b.PublishErr
	}
	b.published = append(b.published, topic)
	drop := b.Drop != nil && b.Drop(topic)
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	if drop {
		return nil
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}
	for _, h := range handlers {
		go h(nil, NewMockMessage(topic, body))
	}
	return nil
}

func (b *Broker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = callback
	return nil
}

func (b *Broker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return nil
}

// Published returns every topic published so far, in order.
func (b *Broker) Published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

// Subscribed reports whether a subscription for filter is active.
func (b *Broker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[filter]
	return ok
}

// TopicMatches reports whether topic matches the MQTT subscription filter.
func TopicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
