package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/rs/zerolog"
)

// State is the device side connection state.
type State int32

const (
	StateDisconnected State = iota
	StateStarting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Forwarder is a local process carrying one tunnel backend.
type Forwarder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervised is implemented by forwarders that can exit on their own. Exited
// returns a channel closed when the current run ends, or nil when not running.
type Supervised interface {
	Running() bool
	Exited() <-chan struct{}
}

// ConnectionManager owns the device's single tunnel. Open and Close are
// serialized by one mutex, so concurrent method deliveries cannot both start a
// forwarder; the current state can be read at any time without blocking.
type ConnectionManager struct {
	forwarders map[models.BackendKind]Forwarder
	logger     zerolog.Logger

	transition sync.Mutex
	state      atomic.Int32
	active     atomic.Value // models.BackendKind
	current    Forwarder
	exited     <-chan struct{}
}

// NewConnectionManager creates a ConnectionManager in the Disconnected state.
// Backends without a forwarder cannot be opened.
func NewConnectionManager(forwarders map[models.BackendKind]Forwarder, logger zerolog.Logger) *ConnectionManager {
	m := &ConnectionManager{forwarders: forwarders, logger: logger}
	m.active.Store(models.BackendKind(""))
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	return State(m.state.Load())
}

// Backend returns the active backend, or "" when not connected.
func (m *ConnectionManager) Backend() models.BackendKind {
	return m.active.Load().(models.BackendKind)
}

// Open starts the forwarder for kind. It returns started=false without error
// when a tunnel is already connected, whatever its backend.
func (m *ConnectionManager) Open(ctx context.Context, kind models.BackendKind) (started bool, err error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	if m.State() == StateConnected {
		if m.alive() {
			m.logger.Info().Str("bridge_type", string(m.Backend())).Msg("Tunnel already connected, skipping forwarder start")
			return false, nil
		}
		m.logger.Warn().Str("bridge_type", string(m.Backend())).Msg("Forwarder is no longer running, reconnecting")
		m.reset()
	}

	fwd, ok := m.forwarders[kind]
	if !ok {
		return false, fmt.Errorf("no forwarder configured for bridge type %q", kind)
	}

	m.state.Store(int32(StateStarting))
	m.logger.Info().Str("bridge_type", string(kind)).Msg("Starting forwarder")
	if err := fwd.Start(ctx); err != nil {
		m.state.Store(int32(StateDisconnected))
		return false, fmt.Errorf("start %s forwarder: %w", kind, err)
	}

	m.current = fwd
	m.active.Store(kind)
	m.state.Store(int32(StateConnected))
	if sv, ok := fwd.(Supervised); ok {
		if exited := sv.Exited(); exited != nil {
			m.exited = exited
			go m.watch(kind, exited)
		}
	}
	return true, nil
}

// Close stops the active forwarder. It returns stopped=false without error
// when nothing is connected.
func (m *ConnectionManager) Close(ctx context.Context) (stopped bool, err error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	if m.State() != StateConnected {
		return false, nil
	}

	kind := m.Backend()
	m.logger.Info().Str("bridge_type", string(kind)).Msg("Stopping forwarder")
	if err := m.current.Stop(ctx); err != nil {
		return false, fmt.Errorf("stop %s forwarder: %w", kind, err)
	}

	m.reset()
	return true, nil
}

// watch moves to Disconnected when the forwarder started by Open exits on its own.
func (m *ConnectionManager) watch(kind models.BackendKind, exited <-chan struct{}) {
	<-exited

	m.transition.Lock()
	defer m.transition.Unlock()
	// A Close or a newer Open already owns the state.
	if m.exited != exited || m.State() != StateConnected {
		return
	}
	m.logger.Warn().Str("bridge_type", string(kind)).Msg("Forwarder exited unexpectedly, tunnel disconnected")
	m.reset()
}

// alive reports whether the current forwarder is still running. Forwarders
// that cannot exit on their own are always alive.
func (m *ConnectionManager) alive() bool {
	sv, ok := m.current.(Supervised)
	return !ok || sv.Running()
}

// reset must be called with transition held.
func (m *ConnectionManager) reset() {
	m.current = nil
	m.exited = nil
	m.active.Store(models.BackendKind(""))
	m.state.Store(int32(StateDisconnected))
}
