package bdev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

var ErrNotFound = errors.New("bdev not found")

type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("bdev %s already configured", e.Name)
}

// BaseClaimedError is returned for a virtual device configured on a base that another virtual device owns.
type BaseClaimedError struct {
	Base  string
	Owner string
}

func (e BaseClaimedError) Error() string {
	return fmt.Sprintf("base %s already claimed by %s", e.Base, e.Owner)
}

// Factory builds a virtual module on top of an opened base device.
type Factory func(base physical.Device, virtualName string) (Module, error)

type RegistryHooks struct {
	// OnCreate runs after a virtual module was built. The registry lock is not held.
	OnCreate func(m Module)
	// OnRemove runs before a virtual module is closed.
	OnRemove func(m Module)
}

type pair struct {
	base    string
	virtual string
}

// Registry matches {base, virtual} name pairs against base devices as they appear.
// Configuration and base registration may happen in either order.
type Registry struct {
	factory Factory
	hooks   RegistryHooks

	mu      sync.Mutex
	configs map[string]pair
	// base name -> the only virtual device allowed on it
	claims   map[string]string
	bases    map[string]physical.Device
	virtuals map[string]Module
}

func NewRegistry(factory Factory, hooks RegistryHooks) *Registry {
	return &Registry{
		factory:  factory,
		hooks:    hooks,
		configs:  make(map[string]pair),
		claims:   make(map[string]string),
		bases:    make(map[string]physical.Device),
		virtuals: make(map[string]Module),
	}
}

// AddConfig records a virtual device on top of base and builds it right away if base is registered.
// A base carries at most one virtual device, so a second config on the same base is rejected
// whether or not the base is registered yet.
func (r *Registry) AddConfig(ctx context.Context, base, virtual string) error {
	r.mu.Lock()

	if _, ok := r.configs[virtual]; ok {
		r.mu.Unlock()

		return DuplicateNameError{Name: virtual}
	}

	if owner, ok := r.claims[base]; ok {
		r.mu.Unlock()

		return BaseClaimedError{Base: base, Owner: owner}
	}

	r.configs[virtual] = pair{base: base, virtual: virtual}
	r.claims[base] = virtual

	dev, ok := r.bases[base]
	r.mu.Unlock()

	if !ok {
		logger.L().Info(ctx, "virtual device waiting for base device",
			logger.WithDevice(virtual),
			logger.WithBaseDevice(base),
		)

		return nil
	}

	return r.create(ctx, dev, virtual)
}

// RegisterBase makes a base device available and builds the virtual device configured on it, if any.
// The registry owns dev from now on.
func (r *Registry) RegisterBase(ctx context.Context, dev physical.Device) error {
	r.mu.Lock()

	if _, ok := r.bases[dev.Name()]; ok {
		r.mu.Unlock()

		return DuplicateNameError{Name: dev.Name()}
	}

	r.bases[dev.Name()] = dev

	virtual, claimed := r.claims[dev.Name()]
	r.mu.Unlock()

	if !claimed {
		return nil
	}

	return r.create(ctx, dev, virtual)
}

func (r *Registry) create(ctx context.Context, base physical.Device, virtual string) error {
	m, err := r.factory(base, virtual)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", virtual, base.Name(), err)
	}

	r.mu.Lock()
	if _, ok := r.virtuals[virtual]; ok {
		r.mu.Unlock()

		return errors.Join(DuplicateNameError{Name: virtual}, m.Close())
	}

	r.virtuals[virtual] = m
	r.mu.Unlock()

	logger.L().Info(ctx, "virtual device created",
		logger.WithDevice(virtual),
		logger.WithBaseDevice(base.Name()),
		zap.Uint64("block_size", m.BlockSize()),
		zap.Uint64("block_count", m.BlockCount()),
	)

	if r.hooks.OnCreate != nil {
		r.hooks.OnCreate(m)
	}

	return nil
}

func (r *Registry) Get(virtual string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.virtuals[virtual]

	return m, ok
}

// Remove deletes the configuration of virtual and closes the module if it was built.
// Closing the module closes the base device it owns.
func (r *Registry) Remove(ctx context.Context, virtual string) error {
	r.mu.Lock()

	p, ok := r.configs[virtual]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrNotFound, virtual)
	}

	delete(r.configs, virtual)
	delete(r.claims, p.base)

	m, built := r.virtuals[virtual]
	delete(r.virtuals, virtual)

	if built {
		delete(r.bases, p.base)
	}
	r.mu.Unlock()

	if !built {
		return nil
	}

	if r.hooks.OnRemove != nil {
		r.hooks.OnRemove(m)
	}

	logger.L().Info(ctx, "virtual device removed", logger.WithDevice(virtual), logger.WithBaseDevice(p.base))

	return m.Close()
}

// Close removes every virtual device and closes base devices that were never claimed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	r.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := r.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	unclaimed := r.bases
	r.bases = make(map[string]physical.Device)
	r.mu.Unlock()

	for _, dev := range unclaimed {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close base %s: %w", dev.Name(), err))
		}
	}

	return errors.Join(errs...)
}
