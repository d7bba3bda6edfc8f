// Package access decides whether a requesting app may touch an owner's
// data and runs the permitted operation with the grant's redaction applied.
package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/sharing"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// AnonymousOwner replaces _owner in results of grants declared anonymously.
const AnonymousOwner = "_anonymous"

// Operation is what the request does with the data.
type Operation string

const (
	OpRead     Operation = "read"
	OpQuery    Operation = "query"
	OpWrite    Operation = "write"
	OpReadFile Operation = "read_file"
)

// Request describes one data access. Owner may be empty for queries that
// span every owner who granted the permission; ActingUser is empty for
// anonymous callers.
type Request struct {
	RequestorApp   string
	RequesteeApp   string
	ActingUser     string
	Owner          string
	PermissionName string
	Collection     string
	Operation      Operation

	RecordID   string
	Filter     storage.Filter
	Options    storage.QueryOptions
	FieldName  string
	FieldValue string
	Path       string
}

func (r Request) own() bool {
	return r.RequestorApp == r.RequesteeApp && r.ActingUser != "" && r.ActingUser == r.Owner
}

func (r Request) table(owner string) models.TableRef {
	return models.TableRef{Owner: owner, AppName: r.RequesteeApp, Collection: r.Collection}
}

// Verdict is a positive authorization and the redaction to apply.
type Verdict struct {
	Own        bool
	Permission models.PermissionAttrs
	// Grants maps each owner whose data may be read to the grant that
	// allows it.
	Grants map[string]*models.PermissionGrant
	Limit  int
}

// Grants is the read side of the permission store.
type Grants interface {
	ByOwnerAndName(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*models.PermissionGrant, error)
	AllGrantedByName(ctx context.Context, requestorApp, requesteeApp, name string) ([]*models.PermissionGrant, error)
}

// Index is the read side of the accessible-object index.
type Index interface {
	Find(ctx context.Context, q sharing.Query) ([]*models.AccessibleObject, error)
}

// Schemas resolves declared app manifests.
type Schemas interface {
	App(name string) (*models.AppConfig, bool)
}

// Files opens an owner's stored files.
type Files interface {
	Open(ctx context.Context, owner, app, path string) (io.ReadCloser, error)
}

type Engine struct {
	ds      *datastore.Manager
	grants  Grants
	index   Index
	schemas Schemas
	files   Files
	log     logging.Logger
}

func New(ds *datastore.Manager, grants Grants, index Index, schemas Schemas, files Files, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{ds: ds, grants: grants, index: index, schemas: schemas, files: files, log: log.With("module", "access")}
}

// unavailable marks a storage failure met while deciding. It must stay
// distinguishable from a denial.
func unavailable(err error) error {
	if err == nil || errors.Is(err, common.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
}

// Authorize decides req without touching the requested data. Denials are
// *AccessError; failed lookups wrap common.ErrStorageUnavailable.
func (e *Engine) Authorize(ctx context.Context, req Request) (*Verdict, error) {
	v, err := e.authorize(ctx, req)
	if err != nil {
		var ae *AccessError
		if errors.As(err, &ae) {
			e.log.Info(ctx, "access denied",
				"requestor_app", req.RequestorApp, "requestee_app", req.RequesteeApp,
				"permission", req.PermissionName, "owner", req.Owner, "user", req.ActingUser, "reason", ae.Reason)
		}
		return nil, err
	}
	return v, nil
}

func (e *Engine) authorize(ctx context.Context, req Request) (*Verdict, error) {
	if req.own() {
		return &Verdict{Own: true}, nil
	}
	if req.Operation == OpWrite {
		return nil, denyf("only the owner writes to %s", req.RequesteeApp)
	}

	decl, err := e.declared(req)
	if err != nil {
		return nil, err
	}
	// Record permissions reach only the collections they name. One that
	// names none reaches no table.
	recordType := decl.Type == models.DBQuery || decl.Type.Sharing()
	if recordType && req.Collection != "" && !decl.CoversCollection(req.Collection) {
		return nil, denyf("permission %s does not cover %s", req.PermissionName, req.Collection)
	}

	v := &Verdict{Permission: decl, Grants: map[string]*models.PermissionGrant{}}
	switch decl.Type {
	case models.DBQuery:
		err = e.authorizeQuery(ctx, req, v)
	case models.ObjectDelegate:
		err = e.authorizeObject(ctx, req, v)
	case models.FieldDelegate:
		err = e.authorizeField(ctx, req, v)
	case models.FolderDelegate:
		err = e.authorizeFolder(ctx, req, v)
	default:
		if !decl.Type.External() {
			return nil, denyf("permission %s has unknown type %q", req.PermissionName, decl.Type)
		}
		err = e.authorizeExternal(ctx, req, v)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// declared returns the requestee's live declaration of the permission.
func (e *Engine) declared(req Request) (models.PermissionAttrs, error) {
	var app *models.AppConfig
	ok := false
	if e.schemas != nil {
		app, ok = e.schemas.App(req.RequesteeApp)
	}
	if !ok {
		return models.PermissionAttrs{}, fmt.Errorf("%w: app %s", common.ErrNoSchema, req.RequesteeApp)
	}
	decl, ok := app.Permission(req.PermissionName)
	if !ok {
		return models.PermissionAttrs{}, fmt.Errorf("%w: %s/%s", common.ErrNoSchema, req.RequesteeApp, req.PermissionName)
	}
	if decl.RequestorApp != req.RequestorApp {
		return models.PermissionAttrs{}, denyf("permission %s is declared for %s", req.PermissionName, decl.RequestorApp)
	}
	return decl, nil
}

// ownerGrant loads and checks the owner's grant of the permission.
func (e *Engine) ownerGrant(ctx context.Context, req Request, owner string) (*models.PermissionGrant, error) {
	if owner == "" {
		return nil, denyf("no owner given")
	}
	g, err := e.grants.ByOwnerAndName(ctx, owner, req.RequestorApp, req.RequesteeApp, req.PermissionName)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, denyf("%s has no grant of %s", owner, req.PermissionName)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if !g.Active() {
		return nil, denyf("grant of %s by %s is not active", req.PermissionName, owner)
	}
	return g, nil
}

// audienceAllows reports whether a caller falls in one of the groups a
// grant may be shared with.
func audienceAllows(groups []string, owner, actingUser string) bool {
	for _, g := range groups {
		switch g {
		case common.ScopePublic:
			return true
		case common.ScopeLoggedIn:
			if actingUser != "" {
				return true
			}
		case common.ScopeSelf, common.ScopeUser:
			if actingUser != "" && actingUser == owner {
				return true
			}
		}
	}
	return false
}

func (e *Engine) authorizeQuery(ctx context.Context, req Request, v *Verdict) error {
	decl := v.Permission
	if len(decl.PermittedFields) > 0 {
		fields := req.Filter.Fields()
		for _, s := range req.Options.Sort {
			fields = append(fields, s.Field)
		}
		for _, f := range fields {
			if !slices.Contains(decl.PermittedFields, f) {
				return denyf("field %s is not queryable under %s", f, req.PermissionName)
			}
		}
	}

	v.Limit = req.Options.Limit
	if decl.MaxCount > 0 {
		room := decl.MaxCount - req.Options.Skip
		switch {
		case room <= 0:
			return denyf("skip %d exceeds max_count %d", req.Options.Skip, decl.MaxCount)
		case req.Options.Limit == 0 || req.Options.Limit == storage.Unlimited:
			v.Limit = min(storage.DefaultLimit, room)
		case req.Options.Limit > room:
			return denyf("count %d with skip %d exceeds max_count %d", req.Options.Limit, req.Options.Skip, decl.MaxCount)
		}
	}

	grants, err := e.grants.AllGrantedByName(ctx, req.RequestorApp, req.RequesteeApp, req.PermissionName)
	if err != nil {
		return unavailable(err)
	}
	for _, g := range grants {
		if req.Owner != "" && g.Owner != req.Owner {
			continue
		}
		if !audienceAllows(g.SharableGroups, g.Owner, req.ActingUser) {
			continue
		}
		if _, dup := v.Grants[g.Owner]; !dup {
			v.Grants[g.Owner] = g
		}
	}
	if len(v.Grants) == 0 {
		return denyf("no active grant of %s reaches this caller", req.PermissionName)
	}
	return nil
}

func (e *Engine) authorizeObject(ctx context.Context, req Request, v *Verdict) error {
	if req.Owner == "" {
		// Per-owner grants are checked per record by the index lookup.
		return nil
	}
	g, err := e.ownerGrant(ctx, req, req.Owner)
	if err != nil {
		return err
	}
	v.Grants[req.Owner] = g
	return nil
}

func (e *Engine) authorizeField(ctx context.Context, req Request, v *Verdict) error {
	if req.FieldName == "" {
		return denyf("field_delegate access needs a field")
	}
	if !slices.Contains(v.Permission.SharableFields, req.FieldName) {
		return denyf("field %s is not sharable under %s", req.FieldName, req.PermissionName)
	}

	rows, err := e.index.Find(ctx, sharing.Query{
		Owner:          req.Owner,
		RequestorApp:   req.RequestorApp,
		PermissionName: req.PermissionName,
		RequesteeApp:   req.RequesteeApp,
		Collection:     req.Collection,
		FieldName:      req.FieldName,
		FieldValue:     req.FieldValue,
		GrantedOnly:    true,
	})
	if err != nil {
		return unavailable(err)
	}
	for _, row := range rows {
		if !rowReaches(row, req.ActingUser) {
			continue
		}
		if _, seen := v.Grants[row.Owner]; seen {
			continue
		}
		g, err := e.ownerGrant(ctx, req, row.Owner)
		if err != nil {
			if errors.Is(err, common.ErrStorageUnavailable) {
				return err
			}
			continue
		}
		if !slices.Contains(g.SharableFields, req.FieldName) {
			continue
		}
		v.Grants[row.Owner] = g
	}
	if len(v.Grants) == 0 {
		return denyf("%s=%s is not shared under %s", req.FieldName, req.FieldValue, req.PermissionName)
	}
	return nil
}

// rowReaches reports whether an index row shares with the caller.
func rowReaches(row *models.AccessibleObject, actingUser string) bool {
	if slices.Contains(row.SharedWithGroup, common.ScopePublic) {
		return true
	}
	if actingUser == "" {
		return false
	}
	return slices.Contains(row.SharedWithGroup, common.ScopeLoggedIn) || slices.Contains(row.SharedWithUser, actingUser)
}

func (e *Engine) authorizeFolder(ctx context.Context, req Request, v *Verdict) error {
	g, err := e.ownerGrant(ctx, req, req.Owner)
	if err != nil {
		return err
	}
	if !audienceAllows(g.SharableGroups, g.Owner, req.ActingUser) {
		return denyf("folder grant of %s does not reach this caller", req.PermissionName)
	}
	if !pathAllowed(req.Path, g.SharableFolders) {
		return denyf("path %q is outside the shared folders", req.Path)
	}
	v.Grants[req.Owner] = g
	return nil
}

func (e *Engine) authorizeExternal(ctx context.Context, req Request, v *Verdict) error {
	owner := req.Owner
	if owner == "" {
		owner = req.ActingUser
	}
	g, err := e.ownerGrant(ctx, req, owner)
	if err != nil {
		return err
	}
	v.Grants[owner] = g
	return nil
}
