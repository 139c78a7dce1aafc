package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic layout, relative to the configured prefix:
//
//	<deviceId>/methods/POST/<method>/<requestId>   control plane -> device
//	<deviceId>/methods/res/<status>/<requestId>    device -> control plane
//	<deviceId>/heartbeat                           device -> control plane
const (
	methodsSegment  = "methods"
	requestSegment  = "POST"
	responseSegment = "res"
	heartbeatTopic  = "heartbeat"
)

// RequestTopic is the topic a method invocation is published on.
func RequestTopic(prefix, deviceID, method, requestID string) string {
	return strings.Join([]string{prefix, deviceID, methodsSegment, requestSegment, method, requestID}, "/")
}

// ResponseTopic is the topic a device answers a method invocation on.
func ResponseTopic(prefix, deviceID string, status int, requestID string) string {
	return strings.Join([]string{prefix, deviceID, methodsSegment, responseSegment, strconv.Itoa(status), requestID}, "/")
}

// RequestFilter subscribes a device to all of its method invocations.
func RequestFilter(prefix, deviceID string) string {
	return strings.Join([]string{prefix, deviceID, methodsSegment, requestSegment, "+", "+"}, "/")
}

// ResponseFilter subscribes the control plane to every device's method responses.
func ResponseFilter(prefix string) string {
	return strings.Join([]string{prefix, "+", methodsSegment, responseSegment, "+", "+"}, "/")
}

// HeartbeatTopic is the topic a device publishes its heartbeat on.
func HeartbeatTopic(prefix, deviceID string) string {
	return strings.Join([]string{prefix, deviceID, heartbeatTopic}, "/")
}

// HeartbeatFilter subscribes the control plane to every device's heartbeat.
func HeartbeatFilter(prefix string) string {
	return strings.Join([]string{prefix, "+", heartbeatTopic}, "/")
}

// ValidTopicSegment reports whether s can be used as a single topic level.
func ValidTopicSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}

type methodTopic struct {
	deviceID  string
	kind      string // requestSegment or responseSegment
	name      string // method name or status code
	requestID string
}

func parseMethodTopic(prefix, topic string) (methodTopic, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return methodTopic{}, fmt.Errorf("topic %q is outside prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[1] != methodsSegment {
		return methodTopic{}, fmt.Errorf("malformed method topic %q", topic)
	}
	return methodTopic{deviceID: parts[0], kind: parts[2], name: parts[3], requestID: parts[4]}, nil
}

func parseResponseTopic(prefix, topic string) (deviceID string, status int, requestID string, err error) {
	t, err := parseMethodTopic(prefix, topic)
	if err != nil {
		return "", 0, "", err
	}
	if t.kind != responseSegment {
		return "", 0, "", fmt.Errorf("topic %q is not a method response", topic)
	}
	status, err = strconv.Atoi(t.name)
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid status in topic %q: %w", topic, err)
	}
	return t.deviceID, status, t.requestID, nil
}

func parseRequestTopic(prefix, topic string) (deviceID, method, requestID string, err error) {
	t, err := parseMethodTopic(prefix, topic)
	if err != nil {
		return "", "", "", err
	}
	if t.kind != requestSegment {
		return "", "", "", fmt.Errorf("topic %q is not a method request", topic)
	}
	return t.deviceID, t.name, t.requestID, nil
}

func parseHeartbeatTopic(prefix, topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", fmt.Errorf("topic %q is outside prefix %q", topic, prefix)
	}
	deviceID, last, ok := strings.Cut(rest, "/")
	if !ok || last != heartbeatTopic || deviceID == "" {
		return "", fmt.Errorf("malformed heartbeat topic %q", topic)
	}
	return deviceID, nil
}
