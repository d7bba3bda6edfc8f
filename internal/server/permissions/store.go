// Package permissions keeps owners' permission grants in the admin
// permissions table and drives their Accept/Deny lifecycle.
package permissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// Table is where grants are stored.
var Table = models.SystemTable(common.PermissionsCollection)

// Schemas resolves an app's current manifest.
type Schemas interface {
	App(name string) (*models.AppConfig, bool)
}

// Revoker withdraws the per-record marks of a sharing permission.
type Revoker interface {
	BulkRevokeByPermission(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*flags.Flags, error)
}

type Store struct {
	ds      *datastore.Manager
	schemas Schemas
	revoker Revoker
	log     logging.Logger
}

func New(ds *datastore.Manager, schemas Schemas, revoker Revoker, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{ds: ds, schemas: schemas, revoker: revoker, log: log.With("module", "permissions")}
}

// Key identifies one grant.
type Key struct {
	Owner          string
	RequestorApp   string
	RequesteeApp   string
	PermissionName string
}

func (k Key) filter() storage.Filter {
	f := storage.Filter{
		common.FieldOwner: k.Owner,
		"requestee_app":   k.RequesteeApp,
		"permission_name": k.PermissionName,
	}
	if k.RequestorApp != "" {
		f["requestor_app"] = k.RequestorApp
	}
	return f
}

// ByOwnerAndName returns the single grant for the tuple or
// common.ErrorNotFound.
func (s *Store) ByOwnerAndName(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*models.PermissionGrant, error) {
	return s.get(ctx, Key{Owner: owner, RequestorApp: requestorApp, RequesteeApp: requesteeApp, PermissionName: name})
}

// get looks a grant up. Duplicate rows are an inconsistency: the one with
// the lowest _id is kept and the others are deleted.
func (s *Store) get(ctx context.Context, k Key) (*models.PermissionGrant, error) {
	recs, err := s.ds.Query(ctx, Table, k.filter(), storage.QueryOptions{
		Sort:  []storage.SortField{{Field: common.FieldID}},
		Limit: storage.Unlimited,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: permission %s of %s for %s", common.ErrorNotFound, k.PermissionName, k.RequesteeApp, k.Owner)
	}

	if len(recs) > 1 {
		s.log.Warn(ctx, "duplicate permission grants, keeping the first",
			"owner", k.Owner, "permission", k.PermissionName, "requestee_app", k.RequesteeApp, "count", len(recs))
		for _, extra := range recs[1:] {
			if err := s.ds.Delete(ctx, Table, extra.ID()); err != nil {
				s.log.Error(ctx, "removing duplicate grant failed", "id", extra.ID(), "error", err)
			}
		}
	}
	return models.GrantFromRecord(recs[0])
}

// List returns the owner's grants for requesteeApp, or all of them when it
// is empty.
func (s *Store) List(ctx context.Context, owner, requesteeApp string) ([]*models.PermissionGrant, error) {
	f := storage.Filter{common.FieldOwner: owner}
	if requesteeApp != "" {
		f["requestee_app"] = requesteeApp
	}
	return s.query(ctx, f)
}

// AllGrantedByName returns every owner's active grant of the permission.
func (s *Store) AllGrantedByName(ctx context.Context, requestorApp, requesteeApp, name string) ([]*models.PermissionGrant, error) {
	return s.query(ctx, storage.Filter{
		"requestor_app":   requestorApp,
		"requestee_app":   requesteeApp,
		"permission_name": name,
		"granted":         true,
		"outdated":        map[string]any{"$ne": true},
	})
}

func (s *Store) query(ctx context.Context, f storage.Filter) ([]*models.PermissionGrant, error) {
	recs, err := s.ds.Query(ctx, Table, f, storage.QueryOptions{
		Sort:  []storage.SortField{{Field: common.FieldID}},
		Limit: storage.Unlimited,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.PermissionGrant, 0, len(recs))
	for _, r := range recs {
		g, err := models.GrantFromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) create(ctx context.Context, owner string, g *models.PermissionGrant) (*models.PermissionGrant, error) {
	fields, err := g.Fields()
	if err != nil {
		return nil, err
	}
	conf, err := s.ds.Create(ctx, Table, "", fields, datastore.WriteOptions{Owner: owner})
	if err != nil {
		return nil, err
	}
	g.ID, g.Owner = conf.ID, owner
	g.DateCreated, g.DateModified = conf.DateCreated, conf.DateModified
	return g, nil
}

// save rewrites the whole grant so attributes dropped from a declaration do
// not linger.
func (s *Store) save(ctx context.Context, g *models.PermissionGrant) error {
	fields, err := g.Fields()
	if err != nil {
		return err
	}
	old := models.Record{
		common.FieldID:          g.ID,
		common.FieldOwner:       g.Owner,
		common.FieldDateCreated: g.DateCreated,
	}
	res, err := s.ds.Update(ctx, Table, storage.ByID(g.ID), fields, datastore.UpdateOptions{ReplaceAllFields: true, Old: old})
	if err != nil {
		return err
	}
	g.DateModified = res.DateModified
	return nil
}

// Purge deletes a grant outright, withdrawing any record shares made under
// it first.
func (s *Store) Purge(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*flags.Flags, error) {
	g, err := s.ByOwnerAndName(ctx, owner, requestorApp, requesteeApp, name)
	if err != nil {
		return nil, err
	}
	f := flags.New()
	if g.Type.Sharing() && s.revoker != nil {
		rf, err := s.revoker.BulkRevokeByPermission(ctx, owner, g.RequestorApp, g.RequesteeApp, g.PermissionName)
		if err != nil {
			return nil, err
		}
		f.Merge(rf)
	}
	if err := s.ds.Delete(ctx, Table, g.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}
	f.Note("permission %s deleted", name)
	return f, nil
}
