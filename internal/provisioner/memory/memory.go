// Package memory is an in-process provisioner.Registry for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/provisioner"
	"github.com/juju/errors"
)

type resource struct {
	spec    provisioner.Spec
	state   provisioner.State
	address string
	pending int // Get calls left before the address is reported
}

// Registry keeps resources in memory. Failures can be injected per operation.
type Registry struct {
	mu        sync.Mutex
	resources map[string]*resource

	// AddressAfter delays the address of new resources by that many Get calls.
	AddressAfter int

	GetErr    error
	CreateErr error
	StartErr  error
	DeleteErr error

	creates, starts, deletes int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{resources: make(map[string]*resource)}
}

func (r *Registry) Get(_ context.Context, name string) (provisioner.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.GetErr != nil {
		return provisioner.Resource{}, r.GetErr
	}
	res, ok := r.resources[name]
	if !ok {
		return provisioner.Resource{Name: name, State: provisioner.Absent}, nil
	}
	if res.pending > 0 {
		res.pending--
		return provisioner.Resource{Name: name, State: res.state}, nil
	}
	return provisioner.Resource{Name: name, State: res.state, Address: res.address}, nil
}

func (r *Registry) Create(_ context.Context, spec provisioner.Spec) (provisioner.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return provisioner.Resource{}, r.CreateErr
	}
	if _, ok := r.resources[spec.Name]; ok {
		return provisioner.Resource{}, errors.AlreadyExistsf("resource %q", spec.Name)
	}
	r.creates++
	res := &resource{
		spec:    spec,
		state:   provisioner.Running,
		address: fmt.Sprintf("%s.local:%d", spec.Name, spec.Port),
		pending: r.AddressAfter,
	}
	r.resources[spec.Name] = res

	out := provisioner.Resource{Name: spec.Name, State: res.state}
	if res.pending == 0 {
		out.Address = res.address
	}
	return out, nil
}

func (r *Registry) Start(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	res, ok := r.resources[name]
	if !ok {
		return errors.NotFoundf("resource %q", name)
	}
	r.starts++
	res.state = provisioner.Running
	return nil
}

func (r *Registry) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	if _, ok := r.resources[name]; ok {
		r.deletes++
		delete(r.resources, name)
	}
	return nil
}

// Stop marks a resource as stopped, as the platform would after an idle shutdown.
func (r *Registry) Stop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[name]; ok {
		res.state = provisioner.Stopped
	}
}

// Env returns the environment a resource was created with.
func (r *Registry) Env(name string) (models.BridgeConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[name]
	if !ok {
		return nil, false
	}
	return res.spec.Env, true
}

// Image returns the image a resource was created from.
func (r *Registry) Image(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[name]; ok {
		return res.spec.Image
	}
	return ""
}

// Counts returns how many creates, starts and deletes took effect.
func (r *Registry) Counts() (creates, starts, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates, r.starts, r.deletes
}
