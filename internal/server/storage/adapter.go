// Package storage defines the uniform contract every storage backend
// implements, the Mongo-style filter language shared by all of them and the
// registry that maps backend tags to adapter constructors.
//
// An Adapter is bound to exactly one table. Backends that cache writes in
// memory implement Buffered so the Data Store Manager can schedule flushes.
package storage

import (
	"context"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// DefaultLimit caps queries that do not set a limit.
const DefaultLimit = 100

// Unlimited disables the default limit. Only internal callers (usage
// recalculation, bulk revoke, export) use it.
const Unlimited = -1

// SortField orders query results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// QueryOptions controls ordering and paging. An empty Sort orders by
// _date_modified descending; Limit 0 means DefaultLimit.
type QueryOptions struct {
	Sort  []SortField
	Limit int
	Skip  int
}

// CreateOptions tunes a single insert.
type CreateOptions struct {
	// Overwrite replaces an existing record with the same id instead of
	// failing with common.ErrDuplicateKey.
	Overwrite bool
}

// DeleteOptions tunes DeleteMany.
type DeleteOptions struct {
	// Multi allows removing more than one record. Without it a filter that
	// matches several records is rejected.
	Multi bool
}

// Adapter is the CRUD and query surface of one table.
type Adapter interface {
	// Initialize connects and prepares the table. Calling it again on an
	// initialized adapter is a no-op.
	Initialize(ctx context.Context) error

	// Create inserts doc. An empty id lets the backend assign one. The
	// returned id is the stored _id.
	Create(ctx context.Context, id string, doc models.Record, opts CreateOptions) (string, error)

	// ReadByID returns common.ErrorNotFound when no record has id.
	ReadByID(ctx context.Context, id string) (models.Record, error)

	Query(ctx context.Context, filter Filter, opts QueryOptions) ([]models.Record, error)

	// UpdateMany merges partial into every match and returns the match count.
	// Fields not mentioned in partial are kept.
	UpdateMany(ctx context.Context, filter Filter, partial models.Record) (int, error)

	// ReplaceByID overwrites the record except its _id.
	ReplaceByID(ctx context.Context, id string, doc models.Record) (int, error)

	DeleteMany(ctx context.Context, filter Filter, opts DeleteOptions) (int, error)

	// ListTableNames lists the tables of the same backend whose name starts
	// with prefix.
	ListTableNames(ctx context.Context, prefix string) ([]string, error)

	// Size approximates the bytes used by the table.
	Size(ctx context.Context) (int64, error)

	// Flush persists cached writes; no-op for always-durable backends.
	Flush(ctx context.Context) error

	Close() error
}

// Buffered is implemented by adapters that cache writes before committing
// them to durable storage.
type Buffered interface {
	Adapter
	Dirty() bool
}
