package accounts

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// MemoryRepository keeps accounts in process memory, for single-node
// setups and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: map[string]models.Account{}}
}

func copyConfig(cfg *models.StorageConfig) *models.StorageConfig {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	cp.DBParams.Params = maps.Clone(cfg.DBParams.Params)
	cp.FSParams.Params = maps.Clone(cfg.FSParams.Params)
	return &cp
}

func (r *MemoryRepository) Create(ctx context.Context, a *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.UserID]; ok {
		return fmt.Errorf("%w: account %s", common.ErrDuplicateKey, a.UserID)
	}
	a.CreatedAt = time.Now().UTC()
	stored := *a
	stored.StorageConfig = copyConfig(a.StorageConfig)
	r.accounts[a.UserID] = stored
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, userID string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	a.StorageConfig = copyConfig(a.StorageConfig)
	return &a, nil
}

func (r *MemoryRepository) UpdateStorageConfig(ctx context.Context, userID string, cfg *models.StorageConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok {
		return common.ErrorNotFound
	}
	a.StorageConfig = copyConfig(cfg)
	r.accounts[userID] = a
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
