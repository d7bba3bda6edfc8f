// Package backends assembles the closed set of storage backends.
package backends

import (
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/memory"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/postgres"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/s3"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/sqlite"
)

// NewRegistry returns a registry with every supported backend registered.
func NewRegistry(log logging.Logger) *storage.Registry {
	reg := storage.NewRegistry(log)
	memory.Register(reg)
	sqlite.Register(reg)
	postgres.Register(reg)
	s3.Register(reg)
	return reg
}
