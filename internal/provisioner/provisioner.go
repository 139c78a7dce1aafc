// Package provisioner keeps the cloud side bridge resource in the state the
// control plane asks for. The cloud platform sits behind Registry; the
// Provisioner adds the get-or-create logic, per-name serialization and the
// wait for an external address.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a provisioned resource.
type State int

const (
	Absent State = iota
	Stopped
	Running
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resource is a bridge resource as reported by the registry.
// Address is host:port and may be empty while it is being allocated.
type Resource struct {
	Name    string
	State   State
	Address string
}

// Spec defines a resource to create.
type Spec struct {
	Name  string
	Image string
	Port  int
	Env   models.BridgeConfig
}

// Registry is the cloud platform's resource bookkeeping.
type Registry interface {
	// Get returns the named resource, with State Absent and a nil error when
	// it does not exist.
	Get(ctx context.Context, name string) (Resource, error)
	Create(ctx context.Context, spec Spec) (Resource, error)
	Start(ctx context.Context, name string) error
	// Delete removes the named resource. Deleting an absent resource is not an error.
	Delete(ctx context.Context, name string) error
}

// ProvisioningError reports a failed registry operation.
type ProvisioningError struct {
	Op   string
	Name string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Options tune a Provisioner. Zero values select defaults.
type Options struct {
	Port             int
	AddressWait      time.Duration
	AddressPollDelay time.Duration
	Clock            clock.Clock
}

// Provisioner ensures at most one bridge resource per name is running.
type Provisioner struct {
	registry Registry
	opts     Options
	locks    *kmutex.Kmutex
	logger   zerolog.Logger
}

// New creates a Provisioner on top of registry.
func New(registry Registry, opts Options, logger zerolog.Logger) *Provisioner {
	if opts.Port == 0 {
		opts.Port = constants.DefaultContainerPort
	}
	if opts.AddressWait <= 0 {
		opts.AddressWait = constants.DefaultAddressWait
	}
	if opts.AddressPollDelay <= 0 {
		opts.AddressPollDelay = constants.DefaultAddressPollDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Provisioner{
		registry: registry,
		opts:     opts,
		locks:    kmutex.New(),
		logger:   logger,
	}
}

// EnsureRunning makes sure the named resource exists and runs, and returns its
// external address. An absent resource is created from image with cfg as its
// environment, a stopped one is started and a running one is left alone.
func (p *Provisioner) EnsureRunning(ctx context.Context, name, image string, cfg models.BridgeConfig) (string, error) {
	p.locks.Lock(name)
	defer p.locks.Unlock(name)

	log := p.logger.With().Str("resource", name).Logger()

	res, err := p.registry.Get(ctx, name)
	if err != nil {
		return "", &ProvisioningError{Op: "get", Name: name, Err: err}
	}

	switch res.State {
	case Absent:
		log.Info().Str("image", image).Msg("Creating bridge resource")
		res, err = p.registry.Create(ctx, Spec{Name: name, Image: image, Port: p.opts.Port, Env: cfg})
		if err != nil {
			return "", &ProvisioningError{Op: "create", Name: name, Err: err}
		}
	case Stopped:
		log.Info().Msg("Bridge resource exists but is stopped, starting it")
		if err := p.registry.Start(ctx, name); err != nil {
			return "", &ProvisioningError{Op: "start", Name: name, Err: err}
		}
	default:
		log.Info().Msg("Bridge resource already exists and is running")
	}

	if res.Address != "" {
		return res.Address, nil
	}
	address, err := p.waitForAddress(ctx, name)
	if err != nil {
		return "", &ProvisioningError{Op: "address", Name: name, Err: err}
	}
	log.Info().Str("address", address).Msg("Bridge resource address allocated")
	return address, nil
}

// Delete removes the named resource. A missing resource is not an error.
func (p *Provisioner) Delete(ctx context.Context, name string) error {
	p.locks.Lock(name)
	defer p.locks.Unlock(name)

	p.logger.Info().Str("resource", name).Msg("Deleting bridge resource")
	if err := p.registry.Delete(ctx, name); err != nil {
		return &ProvisioningError{Op: "delete", Name: name, Err: err}
	}
	return nil
}

var errNoAddress = errors.New("address not yet allocated")

func (p *Provisioner) waitForAddress(ctx context.Context, name string) (string, error) {
	var address string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			res, err := p.registry.Get(ctx, name)
			if err != nil {
				return err
			}
			if res.State == Absent {
				return errors.NotFoundf("resource %q", name)
			}
			if res.Address == "" {
				return errNoAddress
			}
			address = res.Address
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNoAddress)
		},
		NotifyFunc: func(err error, attempt int) {
			p.logger.Debug().Str("resource", name).Int("attempt", attempt).Msg("Waiting for bridge resource address")
		},
		Attempts:    -1,
		Delay:       p.opts.AddressPollDelay,
		MaxDelay:    4 * p.opts.AddressPollDelay,
		MaxDuration: p.opts.AddressWait,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.opts.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
	case retry.IsRetryStopped(err) && ctx.Err() != nil:
		return "", ctx.Err()
	case retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err):
		return "", errors.Annotatef(retry.LastError(err), "waiting for address of %q", name)
	default:
		return "", errors.Trace(err)
	}
	return address, nil
}
