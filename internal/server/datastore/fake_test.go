package datastore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/memory"
)

const fakeKind = "fake"

// fakeAdapter wraps a memory table, reports itself as buffered and counts
// lifecycle calls.
type fakeAdapter struct {
	storage.Adapter
	tr *tracker

	flushes atomic.Int32
	closed  atomic.Bool
}

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	f.tr.inits.Add(1)
	return f.Adapter.Initialize(ctx)
}

func (f *fakeAdapter) ReadByID(ctx context.Context, id string) (models.Record, error) {
	if f.tr.readFailures.Add(-1) >= 0 {
		return nil, common.ErrConnectionFailed
	}
	return f.Adapter.ReadByID(ctx, id)
}

func (f *fakeAdapter) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	return nil
}

func (f *fakeAdapter) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeAdapter) Dirty() bool { return true }

type tracker struct {
	mu       sync.Mutex
	adapters []*fakeAdapter

	inits        atomic.Int32
	readFailures atomic.Int32
}

func (t *tracker) add(a *fakeAdapter) {
	t.mu.Lock()
	t.adapters = append(t.adapters, a)
	t.mu.Unlock()
}

func (t *tracker) flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.adapters {
		n += int(a.flushes.Load())
	}
	return n
}

type fakeConfigs map[string]*models.StorageConfig

func (f fakeConfigs) StorageConfig(ctx context.Context, owner string) (*models.StorageConfig, error) {
	c, ok := f[owner]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return c, nil
}

type fakeUsage struct {
	bytes atomic.Int64
	err   error
}

func (f *fakeUsage) Usage(ctx context.Context, owner string) (int64, error) {
	return f.bytes.Load(), f.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestManager returns a manager where alice is on the plain memory
// backend and bob on the buffered fake. Each test gets its own store.
func newTestManager(t *testing.T, opts Options, limit int64) (*Manager, *tracker) {
	t.Helper()

	reg := storage.NewRegistry(logging.Nop())
	memory.Register(reg)
	tr := &tracker{}
	reg.Register(fakeKind, func(ctx context.Context, r *storage.Registry, p models.BackendParams, table string) (storage.Adapter, error) {
		inner, err := r.New(ctx, models.BackendParams{Type: memory.Kind, Params: p.Params}, table)
		if err != nil {
			return nil, err
		}
		a := &fakeAdapter{Adapter: inner, tr: tr}
		tr.add(a)
		return a, nil
	}, nil)

	params := map[string]string{"name": t.Name()}
	configs := fakeConfigs{
		"alice": {DBParams: models.BackendParams{Type: memory.Kind, Params: params}, StorageLimit: limit},
		"bob":   {DBParams: models.BackendParams{Type: fakeKind, Params: params}, StorageLimit: limit},
		"eve":   {DBParams: models.BackendParams{Type: "nope"}},
	}
	opts.SystemConfig = models.StorageConfig{DBParams: models.BackendParams{Type: memory.Kind, Params: params}}

	m := New(reg, configs, opts, logging.Nop())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, tr
}

func notes(owner string) models.TableRef {
	return models.TableRef{Owner: owner, AppName: "com.notes", Collection: "notes"}
}
