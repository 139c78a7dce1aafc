package constants

import "time"

const (
	// DefaultContainerPort is the external port exposed by the bridge resource.
	DefaultContainerPort = 8080

	// DefaultRequestTimeout bounds a whole create or delete request.
	DefaultRequestTimeout = 5 * time.Minute

	// DefaultAddressWait bounds how long a newly created resource may take to get an address.
	DefaultAddressWait = 2 * time.Minute

	// DefaultAddressPollDelay is the initial delay between address lookups.
	DefaultAddressPollDelay = 2 * time.Second

	// DefaultPubSubConnectAddress and DefaultPubSubConnectPort are the local connect
	// target handed to the pub/sub bridge resource.
	DefaultPubSubConnectAddress = "127.0.0.1"
	DefaultPubSubConnectPort    = 8080

	// DefaultStartupGrace is how long a forwarder process must stay up to count as started.
	DefaultStartupGrace = 2 * time.Second

	// DefaultStopTimeout is how long a forwarder gets to exit after SIGTERM before it is killed.
	DefaultStopTimeout = 10 * time.Second
)
