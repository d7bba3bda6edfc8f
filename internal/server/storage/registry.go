package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// Factory builds an uninitialized adapter for table. Factories reach shared
// connection pools through the registry.
type Factory func(ctx context.Context, reg *Registry, params models.BackendParams, table string) (Adapter, error)

// Validator checks backend params without connecting.
type Validator func(params models.BackendParams) error

type kind struct {
	factory  Factory
	validate Validator
}

// Registry maps backend tags to factories and owns the resources (SQL pools,
// S3 clients, shared in-memory stores) adapters of the same kind share. Each
// Data Store Manager holds its own registry, so two managers never share
// connections.
type Registry struct {
	mu     sync.Mutex
	kinds  map[string]kind
	shared map[string]io.Closer
	order  []string
	log    logging.Logger
}

func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		kinds:  map[string]kind{},
		shared: map[string]io.Closer{},
		log:    log.With("module", "storage"),
	}
}

// Register binds tag to a factory. validate may be nil.
func (r *Registry) Register(tag string, f Factory, validate Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[tag] = kind{factory: f, validate: validate}
}

// Kinds lists the registered tags in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Validate checks that params name a registered backend and carry what that
// backend needs.
func (r *Registry) Validate(params models.BackendParams) error {
	r.mu.Lock()
	k, ok := r.kinds[params.Type]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", common.ErrUnsupportedBackend, params.Type)
	}
	if k.validate != nil {
		if err := k.validate(params); err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrUnsupportedBackend, params.Type, err)
		}
	}
	return nil
}

// New builds an adapter for table. The caller initializes it.
func (r *Registry) New(ctx context.Context, params models.BackendParams, table string) (Adapter, error) {
	if err := r.Validate(params); err != nil {
		return nil, err
	}
	r.mu.Lock()
	k := r.kinds[params.Type]
	r.mu.Unlock()
	return k.factory(ctx, r, params, table)
}

// Shared returns the resource stored under key, opening it on first use.
// Resources are closed by Close in reverse opening order.
func (r *Registry) Shared(key string, open func() (io.Closer, error)) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.shared[key]; ok {
		return c, nil
	}
	c, err := open()
	if err != nil {
		return nil, err
	}
	r.shared[key] = c
	r.order = append(r.order, key)
	return c, nil
}

// Logger returns the registry's logger for adapters.
func (r *Registry) Logger() logging.Logger {
	return r.log
}

// Close releases every shared resource.
func (r *Registry) Close() error {
	r.mu.Lock()
	order := r.order
	shared := r.shared
	r.order = nil
	r.shared = map[string]io.Closer{}
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := shared[order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// NopCloser wraps resources that need no cleanup.
type NopCloser struct{ Value any }

func (NopCloser) Close() error { return nil }
