// Package accounts owns the per-owner storage configuration and the
// credential material used to log owners in.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// Repository persists accounts. Get returns common.ErrorNotFound for an
// unknown user and Create returns common.ErrDuplicateKey for a taken one.
type Repository interface {
	Create(ctx context.Context, a *models.Account) error
	Get(ctx context.Context, userID string) (*models.Account, error)
	UpdateStorageConfig(ctx context.Context, userID string, cfg *models.StorageConfig) error
	List(ctx context.Context) ([]string, error)
}
