package constants

import "time"

// Direct method names understood by the device agent.
const (
	MethodCreateConnection          = "CreateConnection"
	MethodCreateWebPubSubConnection = "CreateWebPubSubConnection"
	MethodDeleteConnection          = "DeleteConnection"
)

const (
	// DefaultTopicPrefix is the root of every tunnel topic.
	DefaultTopicPrefix = "tunnel"

	// MethodResponseTimeout is how long the control plane waits for a device to answer a direct method.
	MethodResponseTimeout = 30 * time.Second

	// DefaultMethodWorkers is the number of workers executing device method handlers.
	DefaultMethodWorkers = 2
)

// Status codes returned by device method handlers.
const (
	StatusOK             = 200
	StatusNoContent      = 204
	StatusError          = 500
	StatusNotImplemented = 501
	StatusBusy           = 503
)
