package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
)

// Driver controls the power of machines behind one kind of BMC or hypervisor.
// Implementations normalise backend failures into PowerAuthError,
// PowerConnError and PowerActionError.
type Driver interface {
	// Name is the power_type this driver serves
	Name() string
	// Queryable reports whether PowerQuery returns meaningful state
	Queryable() bool
	// DetectMissingPackages lists host packages the driver needs but cannot find
	DetectMissingPackages() []string

	PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error
	PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error
	PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error)
}

// Cycler is implemented by drivers with a native power cycle
type Cycler interface {
	PowerCycle(ctx context.Context, systemID string, params model.PowerParameters) error
}

// BootOrderer is implemented by drivers that can configure the boot order
type BootOrderer interface {
	SetBootOrder(ctx context.Context, systemID string, params model.PowerParameters, order []string) error
}

// Cycle power cycles through the driver's native cycle when it has one.
// Otherwise a node that is on is powered off first, then powered on.
func Cycle(ctx context.Context, d Driver, systemID string, params model.PowerParameters) error {
	if c, ok := d.(Cycler); ok {
		return c.PowerCycle(ctx, systemID, params)
	}
	if d.Queryable() {
		state, err := d.PowerQuery(ctx, systemID, params)
		if err != nil {
			return err
		}
		if state == model.PowerStateOff {
			return d.PowerOn(ctx, systemID, params)
		}
	}
	if err := d.PowerOff(ctx, systemID, params); err != nil {
		return err
	}
	return d.PowerOn(ctx, systemID, params)
}

// SetBootOrder configures the boot order, or returns ErrNotImplemented when
// the driver has no such capability.
func SetBootOrder(ctx context.Context, d Driver, systemID string, params model.PowerParameters, order []string) error {
	b, ok := d.(BootOrderer)
	if !ok {
		return maaserrors.NotImplemented("set_boot_order", d.Name())
	}
	return b.SetBootOrder(ctx, systemID, params, order)
}

// Registry maps power types to drivers
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates a registry holding the given drivers
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for d.Name()
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// Get returns the driver for powerType, or an UnknownPowerType error
func (r *Registry) Get(powerType string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[powerType]
	if !ok {
		return nil, maaserrors.UnknownPowerType(powerType)
	}
	return d, nil
}

// Names returns the registered power types in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requireParam fetches a mandatory parameter
func requireParam(params model.PowerParameters, key string) (string, error) {
	v := params.String(key)
	if v == "" {
		return "", maaserrors.PowerActionError(fmt.Sprintf("missing power parameter %q", key), nil)
	}
	return v, nil
}
