package datastore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"golang.org/x/sync/errgroup"
)

// UsageSource contributes bytes stored outside the record tables, such as
// the owner's files.
type UsageSource interface {
	Usage(ctx context.Context, owner string) (int64, error)
}

// Usage is one recalculation of an owner's storage footprint.
type Usage struct {
	Owner        string           `json:"owner"`
	Bytes        int64            `json:"bytes"`
	Limit        int64            `json:"limit,omitempty"`
	Tables       map[string]int64 `json:"tables"`
	Extra        int64            `json:"extra,omitempty"`
	CalculatedAt time.Time        `json:"calculated_at"`
	Flags        *flags.Flags     `json:"flags,omitempty"`
}

type ownerUsage struct {
	bytes  int64
	writes int
	at     time.Time
}

// AddUsageSource registers src for every later recalculation.
func (m *Manager) AddUsageSource(src UsageSource) {
	m.usageMu.Lock()
	m.sources = append(m.sources, src)
	m.usageMu.Unlock()
}

func (m *Manager) countWrite(owner string) {
	m.usageMu.Lock()
	if u, ok := m.usage[owner]; ok {
		u.writes++
	}
	m.usageMu.Unlock()
}

// cachedUsage returns the cached byte count unless it must be recalculated
// because it was never computed, has seen QuotaRecalcWrites writes or has
// aged past QuotaRecalcInterval.
func (m *Manager) cachedUsage(owner string) (int64, bool) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	u, ok := m.usage[owner]
	if !ok {
		return 0, false
	}
	if u.writes >= m.opts.QuotaRecalcWrites || m.now().Sub(u.at) >= m.opts.QuotaRecalcInterval {
		return 0, false
	}
	return u.bytes, true
}

// CheckQuota fails with common.ErrQuotaExceeded when the owner's usage is
// over the configured limit and reports whether it is past the warning
// ratio. Usage comes from a cache refreshed by write count or age.
func (m *Manager) CheckQuota(ctx context.Context, owner string) (bool, error) {
	cfg, err := m.storageConfig(ctx, owner)
	if err != nil {
		return false, err
	}
	if cfg.StorageLimit <= 0 {
		return false, nil
	}

	used, ok := m.cachedUsage(owner)
	if !ok {
		u, err := m.Usage(ctx, owner)
		if err != nil {
			return false, err
		}
		used = u.Bytes
	}

	if used > cfg.StorageLimit {
		return false, fmt.Errorf("%w: %s uses %d of %d bytes", common.ErrQuotaExceeded, owner, used, cfg.StorageLimit)
	}
	return float64(used) > m.opts.UsageWarningRatio*float64(cfg.StorageLimit), nil
}

// Usage recalculates the owner's footprint across every table and usage
// source and refreshes the quota cache. Tables that cannot be sized are
// reported in Flags and left out of the total.
func (m *Manager) Usage(ctx context.Context, owner string) (*Usage, error) {
	cfg, err := m.storageConfig(ctx, owner)
	if err != nil {
		return nil, err
	}
	names, err := m.listTables(ctx, cfg, models.OwnerPrefix(owner))
	if err != nil {
		return nil, err
	}

	u := &Usage{Owner: owner, Limit: cfg.StorageLimit, Tables: map[string]int64{}, Flags: flags.New()}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.UsageConcurrency)
	for _, name := range names {
		g.Go(func() error {
			n, err := m.tableSize(gctx, cfg, name)
			if err != nil {
				u.Flags.Warn("could not size table %s: %v", name, err)
				return nil
			}
			mu.Lock()
			u.Tables[name] = n
			mu.Unlock()
			return nil
		})
	}

	m.usageMu.Lock()
	sources := append([]UsageSource(nil), m.sources...)
	m.usageMu.Unlock()
	for _, src := range sources {
		g.Go(func() error {
			n, err := src.Usage(gctx, owner)
			if err != nil {
				u.Flags.Warn("could not size extra storage: %v", err)
				return nil
			}
			mu.Lock()
			u.Extra += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for n := range maps.Values(u.Tables) {
		u.Bytes += n
	}
	u.Bytes += u.Extra
	u.CalculatedAt = m.now()

	m.usageMu.Lock()
	m.usage[owner] = &ownerUsage{bytes: u.Bytes, at: u.CalculatedAt}
	m.usageMu.Unlock()

	if !u.Flags.IsEmpty() {
		m.log.Warn(ctx, "usage recalculated with warnings", "owner", owner, "summary", u.Flags.Summary())
	}
	return u, nil
}

// tableSize sizes a table through its cached handle when one is open, so
// buffered writes count, or through a short-lived adapter otherwise.
func (m *Manager) tableSize(ctx context.Context, cfg *models.StorageConfig, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()

	if h := m.cached(name); h != nil {
		defer m.release(h)
		n, err := h.adapter.Size(ctx)
		return n, storage.ClassifyErr(err, false)
	}

	a, err := m.reg.New(ctx, cfg.DBParams, name)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	if err := a.Initialize(ctx); err != nil {
		return 0, storage.ClassifyErr(err, false)
	}
	n, err := a.Size(ctx)
	return n, storage.ClassifyErr(err, false)
}

// ListTables lists the backend names of the owner's tables whose app part
// starts with appPrefix. An empty prefix lists all of them.
func (m *Manager) ListTables(ctx context.Context, owner, appPrefix string) ([]string, error) {
	cfg, err := m.storageConfig(ctx, owner)
	if err != nil {
		return nil, err
	}
	return m.listTables(ctx, cfg, models.OwnerPrefix(owner)+models.NormalizeName(appPrefix))
}

func (m *Manager) listTables(ctx context.Context, cfg *models.StorageConfig, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()

	// The probe adapter is never initialized, so listing does not create a
	// table named after the prefix.
	probe, err := m.reg.New(ctx, cfg.DBParams, prefix)
	if err != nil {
		return nil, err
	}
	defer probe.Close()

	names, err := probe.ListTableNames(ctx, prefix)
	if err != nil {
		return nil, storage.ClassifyErr(err, false)
	}
	return names, nil
}
