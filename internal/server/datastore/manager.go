// Package datastore implements the Data Store Manager: it resolves an
// owner's backend, caches one initialized adapter per table, and exposes the
// record façade that enforces reserved-field, timestamp and quota rules
// before delegating to the adapter.
//
// Handles are closed after an idle period and buffered backends are flushed
// on a debounced schedule. Both timers re-arm only while there is work.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"golang.org/x/sync/singleflight"
)

// ConfigProvider supplies an owner's storage configuration. It returns
// common.ErrUserNotConfigured for owners without one.
type ConfigProvider interface {
	StorageConfig(ctx context.Context, owner string) (*models.StorageConfig, error)
}

// Options tunes the manager. Zero values take the defaults below.
type Options struct {
	// SystemConfig backs the tables of common.SystemOwner.
	SystemConfig models.StorageConfig

	OpTimeout           time.Duration // 10s
	IdleTimeout         time.Duration // 25s
	FlushIdle           time.Duration // 3s
	FlushWrites         int           // 20
	QuotaRecalcWrites   int           // 50
	QuotaRecalcInterval time.Duration // 5m
	UsageWarningRatio   float64       // 0.9
	UsageConcurrency    int           // 4
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 25 * time.Second
	}
	if o.FlushIdle <= 0 {
		o.FlushIdle = 3 * time.Second
	}
	if o.FlushWrites <= 0 {
		o.FlushWrites = 20
	}
	if o.QuotaRecalcWrites <= 0 {
		o.QuotaRecalcWrites = 50
	}
	if o.QuotaRecalcInterval <= 0 {
		o.QuotaRecalcInterval = 5 * time.Minute
	}
	if o.UsageWarningRatio <= 0 {
		o.UsageWarningRatio = 0.9
	}
	if o.UsageConcurrency <= 0 {
		o.UsageConcurrency = 4
	}
	return o
}

// Manager owns every table handle. Other components reach tables only
// through its methods.
type Manager struct {
	reg     *storage.Registry
	configs ConfigProvider
	opts    Options
	log     logging.Logger
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle
	sweep   *time.Timer
	closed  bool

	usageMu sync.Mutex
	usage   map[string]*ownerUsage
	sources []UsageSource
}

func New(reg *storage.Registry, configs ConfigProvider, opts Options, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		reg:     reg,
		configs: configs,
		opts:    opts.withDefaults(),
		log:     log.With("module", "datastore"),
		now:     time.Now,
		handles: map[string]*Handle{},
		usage:   map[string]*ownerUsage{},
	}
}

// Handle is a cached, initialized binding between a table and its adapter.
type Handle struct {
	ref     models.TableRef
	name    string
	adapter storage.Adapter

	// guarded by Manager.mu
	lastUsed time.Time
	inflight int

	flushMu      sync.Mutex
	flushTimer   *time.Timer
	flushPending int
	closed       bool
}

// Name is the backend-visible table name.
func (h *Handle) Name() string { return h.name }

// Ref is the table the handle is bound to.
func (h *Handle) Ref() models.TableRef { return h.ref }

// Config returns the storage configuration the manager resolves for owner.
func (m *Manager) Config(ctx context.Context, owner string) (*models.StorageConfig, error) {
	return m.storageConfig(ctx, owner)
}

func (m *Manager) storageConfig(ctx context.Context, owner string) (*models.StorageConfig, error) {
	if owner == common.SystemOwner {
		cfg := m.opts.SystemConfig
		return &cfg, nil
	}
	if owner == "" || m.configs == nil {
		return nil, common.ErrUserNotConfigured
	}
	cfg, err := m.configs.StorageConfig(ctx, owner)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: %s", common.ErrUserNotConfigured, owner)
		}
		return nil, err
	}
	if cfg == nil || cfg.DBParams.Type == "" {
		return nil, fmt.Errorf("%w: %s", common.ErrUserNotConfigured, owner)
	}
	return cfg, nil
}

// Table returns the cached handle for ref, building and initializing the
// adapter on first use. Concurrent first accesses share one initialization.
func (m *Manager) Table(ctx context.Context, ref models.TableRef) (*Handle, error) {
	h, err := m.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.release(h)
	return h, nil
}

// acquire returns a handle marked in use; callers must release it.
func (m *Manager) acquire(ctx context.Context, ref models.TableRef) (*Handle, error) {
	name := ref.Name()
	if h := m.cached(name); h != nil {
		return h, nil
	}

	_, err, _ := m.group.Do(name, func() (any, error) {
		if h := m.peek(name); h != nil {
			return h, nil
		}
		return m.open(ctx, ref, name)
	})
	if err != nil {
		return nil, err
	}
	if h := m.cached(name); h != nil {
		return h, nil
	}
	// Evicted between initialization and use; start over.
	return m.acquire(ctx, ref)
}

func (m *Manager) cached(name string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok {
		return nil
	}
	h.inflight++
	h.lastUsed = m.now()
	return h
}

func (m *Manager) peek(name string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[name]
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	h.inflight--
	h.lastUsed = m.now()
	m.mu.Unlock()
}

func (m *Manager) open(ctx context.Context, ref models.TableRef, name string) (*Handle, error) {
	cfg, err := m.storageConfig(ctx, ref.Owner)
	if err != nil {
		return nil, err
	}
	adapter, err := m.reg.New(ctx, cfg.DBParams, name)
	if err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	err = adapter.Initialize(ictx)
	cancel()
	if err != nil {
		_ = adapter.Close()
		return nil, storage.ClassifyErr(err, false)
	}

	h := &Handle{ref: ref, name: name, adapter: adapter, lastUsed: m.now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = adapter.Close()
		return nil, fmt.Errorf("%w: manager closed", common.ErrConnectionFailed)
	}
	if existing, ok := m.handles[name]; ok {
		m.mu.Unlock()
		_ = adapter.Close()
		return existing, nil
	}
	m.handles[name] = h
	m.armSweepLocked()
	m.mu.Unlock()

	m.log.Debug(ctx, "table opened", "table", name, "backend", cfg.DBParams.Type)
	return h, nil
}

// evict drops h from the cache if it is still the cached handle and closes
// its adapter.
func (m *Manager) evict(ctx context.Context, h *Handle) {
	m.mu.Lock()
	if cur, ok := m.handles[h.name]; ok && cur == h {
		delete(m.handles, h.name)
	}
	m.mu.Unlock()
	m.closeHandle(ctx, h)
}

// with runs fn against ref's adapter under the operation timeout. A
// connection failure evicts the handle, re-initializes it and retries once.
func (m *Manager) with(ctx context.Context, ref models.TableRef, fn func(ctx context.Context, h *Handle) error) error {
	err := m.attempt(ctx, ref, fn)
	if !errors.Is(err, common.ErrConnectionFailed) || ctx.Err() != nil {
		return err
	}

	m.log.Warn(ctx, "backend connection failed, retrying", "table", ref.Name(), "error", err)
	if h := m.peek(ref.Name()); h != nil {
		m.evict(ctx, h)
	}
	return m.attempt(ctx, ref, fn)
}

func (m *Manager) attempt(ctx context.Context, ref models.TableRef, fn func(ctx context.Context, h *Handle) error) error {
	h, err := m.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer m.release(h)

	cctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	err = fn(cctx, h)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", common.ErrConnectionFailed, ref.Name(), err)
	}
	return storage.ClassifyErr(err, false)
}

// OpenTables lists the names of cached handles.
func (m *Manager) OpenTables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for name := range m.handles {
		out = append(out, name)
	}
	return out
}

// Close flushes and closes every handle and releases the registry's pools.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = map[string]*Handle{}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := m.closeHandle(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if err := m.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
