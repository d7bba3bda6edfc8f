// Package memory is the embedded in-process document store. Documents are
// kept as encoded JSON so every read and write copies; nothing the caller
// holds aliases stored state.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/google/uuid"
)

// Kind is the backend tag.
const Kind = "memory"

// Store holds every table of one named in-memory database.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func NewStore() *Store {
	return &Store{tables: map[string]map[string][]byte{}}
}

func (s *Store) Close() error { return nil }

// Register adds the memory backend to reg. Adapters with the same "name"
// param share one Store.
func Register(reg *storage.Registry) {
	reg.Register(Kind, func(ctx context.Context, r *storage.Registry, p models.BackendParams, table string) (storage.Adapter, error) {
		res, err := r.Shared("memory:"+p.Param("name", "default"), func() (io.Closer, error) {
			return NewStore(), nil
		})
		if err != nil {
			return nil, err
		}
		return New(res.(*Store), table), nil
	}, nil)
}

// Adapter is one table of a Store.
type Adapter struct {
	store *Store
	table string
}

func New(store *Store, table string) *Adapter {
	return &Adapter{store: store, table: table}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if _, ok := a.store.tables[a.table]; !ok {
		a.store.tables[a.table] = map[string][]byte{}
	}
	return nil
}

func (a *Adapter) rows() map[string][]byte {
	rows, ok := a.store.tables[a.table]
	if !ok {
		rows = map[string][]byte{}
		a.store.tables[a.table] = rows
	}
	return rows
}

func (a *Adapter) Create(ctx context.Context, id string, doc models.Record, opts storage.CreateOptions) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	b, err := encode(id, doc)
	if err != nil {
		return "", err
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	rows := a.rows()
	if _, exists := rows[id]; exists && !opts.Overwrite {
		return "", fmt.Errorf("%w: %s", common.ErrDuplicateKey, id)
	}
	rows[id] = b
	return id, nil
}

func (a *Adapter) ReadByID(ctx context.Context, id string) (models.Record, error) {
	a.store.mu.RLock()
	b, ok := a.store.tables[a.table][id]
	a.store.mu.RUnlock()
	if !ok {
		return nil, common.ErrorNotFound
	}
	return decode(b)
}

func (a *Adapter) Query(ctx context.Context, filter storage.Filter, opts storage.QueryOptions) ([]models.Record, error) {
	a.store.mu.RLock()
	candidates, err := a.candidates(filter)
	a.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return storage.Select(candidates, filter, opts)
}

// candidates decodes the rows a filter may match. Callers hold the lock.
func (a *Adapter) candidates(filter storage.Filter) ([]models.Record, error) {
	rows := a.store.tables[a.table]
	if id, ok := filter.IDOnly(); ok {
		b, found := rows[id]
		if !found {
			return nil, nil
		}
		r, err := decode(b)
		if err != nil {
			return nil, err
		}
		return []models.Record{r}, nil
	}
	out := make([]models.Record, 0, len(rows))
	for _, b := range rows {
		r, err := decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Adapter) matching(filter storage.Filter) ([]models.Record, error) {
	candidates, err := a.candidates(filter)
	if err != nil {
		return nil, err
	}
	return storage.Select(candidates, filter, storage.QueryOptions{Limit: storage.Unlimited})
}

func (a *Adapter) UpdateMany(ctx context.Context, filter storage.Filter, partial models.Record) (int, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	matches, err := a.matching(filter)
	if err != nil {
		return 0, err
	}
	rows := a.rows()
	for _, r := range matches {
		b, err := encode(r.ID(), storage.Merge(r, partial))
		if err != nil {
			return 0, err
		}
		rows[r.ID()] = b
	}
	return len(matches), nil
}

func (a *Adapter) ReplaceByID(ctx context.Context, id string, doc models.Record) (int, error) {
	b, err := encode(id, doc)
	if err != nil {
		return 0, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	rows := a.rows()
	if _, ok := rows[id]; !ok {
		return 0, nil
	}
	rows[id] = b
	return 1, nil
}

func (a *Adapter) DeleteMany(ctx context.Context, filter storage.Filter, opts storage.DeleteOptions) (int, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	matches, err := a.matching(filter)
	if err != nil {
		return 0, err
	}
	if len(matches) > 1 && !opts.Multi {
		return 0, fmt.Errorf("%w: %d records match", common.ErrAmbiguousUpsert, len(matches))
	}
	rows := a.rows()
	for _, r := range matches {
		delete(rows, r.ID())
	}
	return len(matches), nil
}

func (a *Adapter) ListTableNames(ctx context.Context, prefix string) ([]string, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	var out []string
	for name := range a.store.tables {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (a *Adapter) Size(ctx context.Context) (int64, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	var n int64
	for id, b := range a.store.tables[a.table] {
		n += int64(len(id) + len(b))
	}
	return n, nil
}

func (a *Adapter) Flush(ctx context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }

// Snapshot returns decoded copies of every row; the s3 backend serializes it.
func (a *Adapter) Snapshot() ([]models.Record, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return a.candidates(storage.Filter{})
}

// Load replaces the table content with recs.
func (a *Adapter) Load(recs []models.Record) error {
	rows := make(map[string][]byte, len(recs))
	for _, r := range recs {
		id := r.ID()
		if id == "" {
			return fmt.Errorf("%w: record without _id", common.ErrInvalidRecord)
		}
		b, err := encode(id, r)
		if err != nil {
			return err
		}
		rows[id] = b
	}
	a.store.mu.Lock()
	a.store.tables[a.table] = rows
	a.store.mu.Unlock()
	return nil
}

func encode(id string, doc models.Record) ([]byte, error) {
	cp := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		cp[k] = v
	}
	cp[common.FieldID] = id
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	return b, nil
}

func decode(b []byte) (models.Record, error) {
	r := models.Record{}
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}
