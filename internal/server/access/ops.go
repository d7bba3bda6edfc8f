package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/sharing"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// AccessError is a denial. Reason is for server logs only and is never
// returned to the caller.
type AccessError struct {
	Reason string
}

func (e *AccessError) Error() string {
	return common.ErrAccessDenied.Error() + ": " + e.Reason
}

func (e *AccessError) Unwrap() error {
	return common.ErrAccessDenied
}

func denyf(format string, args ...any) error {
	return &AccessError{Reason: fmt.Sprintf(format, args...)}
}

// redact reduces rec to what the grant lets the requestor see.
func redact(rec models.Record, p models.PermissionAttrs) models.Record {
	var out models.Record
	if len(p.ReturnFields) > 0 {
		out = rec.Project(p.ReturnFields)
	} else {
		out = maps.Clone(rec)
		delete(out, common.FieldAccessibleBy)
	}
	if p.Anonymously {
		out[common.FieldOwner] = AnonymousOwner
	}
	return out
}

// recordAllows reports whether the record's sharing marks let the caller
// see it under perm through one of groups.
func recordAllows(rec models.Record, groups []string, actingUser, perm string) bool {
	ab, err := models.AccessibleByOf(rec)
	if err != nil {
		return false
	}
	for _, s := range groups {
		switch s {
		case common.ScopePublic:
			if ab.GroupAllows(s, perm) {
				return true
			}
		case common.ScopeLoggedIn:
			if actingUser != "" && ab.GroupAllows(s, perm) {
				return true
			}
		case common.ScopeUser:
			if actingUser != "" && ab.UserAllows(actingUser, perm) {
				return true
			}
		}
	}
	return false
}

// pathAllowed matches p against folders on whole path segments.
func pathAllowed(p string, folders []string) bool {
	want := segments(p)
	if want == nil {
		return false
	}
	for _, f := range folders {
		prefix := segments(f)
		if prefix == nil || len(prefix) > len(want) {
			continue
		}
		match := true
		for i := range prefix {
			if prefix[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// segments splits a slash path, ignoring empty and "." parts. A path
// containing ".." yields nil.
func segments(p string) []string {
	out := []string{}
	for _, s := range strings.Split(p, "/") {
		switch s {
		case "", ".":
			continue
		case "..":
			return nil
		}
		out = append(out, s)
	}
	return out
}

// window is the per-owner query size needed to page a merged result.
func window(opts storage.QueryOptions, limit int) storage.QueryOptions {
	w := storage.QueryOptions{Sort: opts.Sort, Limit: storage.Unlimited}
	if limit == 0 {
		limit = storage.DefaultLimit
	}
	if limit > 0 {
		w.Limit = opts.Skip + limit
	}
	return w
}

// Query runs a filtered query under req.PermissionName, or directly on the
// owner's own table.
func (e *Engine) Query(ctx context.Context, req Request) ([]models.Record, error) {
	req.Operation = OpQuery
	v, err := e.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if v.Own {
		return e.ds.Query(ctx, req.table(req.Owner), req.Filter, req.Options)
	}

	switch v.Permission.Type {
	case models.DBQuery, models.FieldDelegate:
		return e.queryOwners(ctx, req, v)
	case models.ObjectDelegate:
		return e.queryShared(ctx, req, v)
	}
	return nil, e.denied(ctx, req, denyf("%s permissions do not read records", v.Permission.Type))
}

// QueryByField is Query for a field_delegate share of name=value.
func (e *Engine) QueryByField(ctx context.Context, req Request, name, value string) ([]models.Record, error) {
	req.FieldName, req.FieldValue = name, value
	return e.Query(ctx, req)
}

func (e *Engine) denied(ctx context.Context, req Request, err error) error {
	var ae *AccessError
	if errors.As(err, &ae) {
		e.log.Info(ctx, "access denied", "requestor_app", req.RequestorApp, "permission", req.PermissionName, "reason", ae.Reason)
	}
	return err
}

// queryOwners queries the table of every owner in the verdict and merges
// the results.
func (e *Engine) queryOwners(ctx context.Context, req Request, v *Verdict) ([]models.Record, error) {
	limit := v.Limit
	if v.Permission.Type != models.DBQuery {
		limit = req.Options.Limit
	}
	win := window(req.Options, limit)

	var all []models.Record
	for owner, g := range v.Grants {
		filter := storage.And(req.Filter, storage.Filter{common.FieldOwner: owner})
		if v.Permission.Type == models.FieldDelegate {
			filter = storage.And(filter, storage.Filter{req.FieldName: req.FieldValue})
		}
		for _, c := range e.collections(req, g) {
			ref := models.TableRef{Owner: owner, AppName: req.RequesteeApp, Collection: c}
			recs, err := e.ds.Query(ctx, ref, filter, win)
			if err != nil {
				return nil, unavailable(err)
			}
			all = append(all, recs...)
		}
	}
	return e.finish(all, req.Options, limit, v), nil
}

// collections lists the tables a request reads: the named collection, or
// every collection the grant covers.
func (e *Engine) collections(req Request, g *models.PermissionGrant) []string {
	if req.Collection != "" {
		return []string{req.Collection}
	}
	return g.AllCollections()
}

// finish sorts and pages merged results and redacts each record with its
// owner's grant.
func (e *Engine) finish(all []models.Record, opts storage.QueryOptions, limit int, v *Verdict) []models.Record {
	storage.SortRecords(all, opts.Sort)
	page := storage.Page(all, opts.Skip, limit)
	out := make([]models.Record, 0, len(page))
	for _, r := range page {
		g, ok := v.Grants[r.Owner()]
		if !ok {
			continue
		}
		out = append(out, redact(r, g.PermissionAttrs))
	}
	return out
}

// queryShared collects object_delegate records through the index and keeps
// those whose own marks still allow the caller.
func (e *Engine) queryShared(ctx context.Context, req Request, v *Verdict) ([]models.Record, error) {
	rows, err := e.index.Find(ctx, sharing.Query{
		Owner:          req.Owner,
		RequestorApp:   req.RequestorApp,
		PermissionName: req.PermissionName,
		RequesteeApp:   req.RequesteeApp,
		Collection:     req.Collection,
		GrantedOnly:    true,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	perm := models.PermString(req.RequestorApp, req.PermissionName)
	var all []models.Record
	for _, row := range rows {
		if row.DataObjectID == "" || !rowReaches(row, req.ActingUser) {
			continue
		}
		g, ok := v.Grants[row.Owner]
		if !ok {
			g, err = e.ownerGrant(ctx, req, row.Owner)
			if errors.Is(err, common.ErrStorageUnavailable) {
				return nil, err
			}
			if err != nil {
				continue
			}
			v.Grants[row.Owner] = g
		}

		ref := models.TableRef{Owner: row.Owner, AppName: req.RequesteeApp, Collection: row.Collection}
		rec, err := e.ds.ReadByID(ctx, ref, row.DataObjectID)
		if errors.Is(err, common.ErrorNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		if !recordAllows(rec, g.SharableGroups, req.ActingUser, perm) {
			continue
		}
		ok, err = storage.Match(rec, req.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			all = append(all, rec)
		}
	}
	return e.finish(all, req.Options, req.Options.Limit, v), nil
}

// Read returns one record by id.
func (e *Engine) Read(ctx context.Context, req Request) (models.Record, error) {
	req.Operation = OpRead
	if req.RecordID == "" {
		return nil, fmt.Errorf("%w: record id required", common.ErrInvalidRecord)
	}
	v, err := e.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if v.Own {
		return e.ds.ReadByID(ctx, req.table(req.Owner), req.RecordID)
	}

	switch v.Permission.Type {
	case models.DBQuery, models.FieldDelegate:
		req.Filter = storage.And(req.Filter, storage.ByID(req.RecordID))
		req.Options = storage.QueryOptions{Limit: 1}
		v.Limit = 1
		recs, err := e.queryOwners(ctx, req, v)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, fmt.Errorf("%w: %s", common.ErrorNotFound, req.RecordID)
		}
		return recs[0], nil
	case models.ObjectDelegate:
		return e.readShared(ctx, req, v)
	}
	return nil, e.denied(ctx, req, denyf("%s permissions do not read records", v.Permission.Type))
}

func (e *Engine) readShared(ctx context.Context, req Request, v *Verdict) (models.Record, error) {
	if req.Collection == "" {
		return nil, e.denied(ctx, req, denyf("shared reads need a collection"))
	}
	if req.Owner == "" {
		return nil, e.denied(ctx, req, denyf("shared reads need an owner"))
	}
	g := v.Grants[req.Owner]
	rec, err := e.ds.ReadByID(ctx, req.table(req.Owner), req.RecordID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, e.denied(ctx, req, denyf("record %s is not shared", req.RecordID))
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if !recordAllows(rec, g.SharableGroups, req.ActingUser, models.PermString(req.RequestorApp, req.PermissionName)) {
		return nil, e.denied(ctx, req, denyf("record %s is not shared with this caller", req.RecordID))
	}
	return redact(rec, g.PermissionAttrs), nil
}

// AuthorizeFile decides whether req may read the owner's file at req.Path.
func (e *Engine) AuthorizeFile(ctx context.Context, req Request) error {
	req.Operation = OpReadFile
	v, err := e.Authorize(ctx, req)
	if err != nil {
		return err
	}
	if !v.Own && v.Permission.Type != models.FolderDelegate {
		return e.denied(ctx, req, denyf("%s permissions do not read files", v.Permission.Type))
	}
	return nil
}

// ReadFile opens a file from the owner's file store under req.Path.
func (e *Engine) ReadFile(ctx context.Context, req Request) (io.ReadCloser, error) {
	if e.files == nil {
		return nil, fmt.Errorf("%w: no file store", common.ErrStorageUnavailable)
	}
	if err := e.AuthorizeFile(ctx, req); err != nil {
		return nil, err
	}
	return e.files.Open(ctx, req.Owner, req.RequesteeApp, req.Path)
}

// MutationKind selects what Write does.
type MutationKind string

const (
	MutationCreate  MutationKind = "create"
	MutationUpdate  MutationKind = "update"
	MutationReplace MutationKind = "replace"
	MutationUpsert  MutationKind = "upsert"
	MutationDelete  MutationKind = "delete"
)

// Mutation is one owner write. ID is optional for create; Filter targets
// updates and upserts when ID is empty.
type Mutation struct {
	Kind   MutationKind
	ID     string
	Filter storage.Filter
	Entity any
	Write  datastore.WriteOptions
}

// MutationResult merges the datastore confirmations of each kind.
type MutationResult struct {
	ID           string `json:"_id,omitempty"`
	DateCreated  int64  `json:"_date_created,omitempty"`
	DateModified int64  `json:"_date_modified,omitempty"`
	Matched      int    `json:"nModified,omitempty"`
	Updated      bool   `json:"updated,omitempty"`
	UsageWarning bool   `json:"usage_warning,omitempty"`
}

func fromConfirmation(c *datastore.Confirmation) *MutationResult {
	return &MutationResult{ID: c.ID, DateCreated: c.DateCreated, DateModified: c.DateModified, Updated: c.Updated, UsageWarning: c.UsageWarning}
}

// Write changes the owner's own table. Only the owner acting through the
// table's app may write.
func (e *Engine) Write(ctx context.Context, req Request, m Mutation) (*MutationResult, error) {
	req.Operation = OpWrite
	if _, err := e.Authorize(ctx, req); err != nil {
		return nil, err
	}
	ref := req.table(req.Owner)
	target := m.Filter
	if m.ID != "" {
		target = storage.ByID(m.ID)
	}
	if m.Kind != MutationCreate && len(target) == 0 {
		return nil, fmt.Errorf("%w: %s needs an id or a filter", common.ErrInvalidRecord, m.Kind)
	}

	switch m.Kind {
	case MutationCreate:
		c, err := e.ds.Create(ctx, ref, m.ID, m.Entity, m.Write)
		if err != nil {
			return nil, err
		}
		return fromConfirmation(c), nil
	case MutationUpdate, MutationReplace:
		res, err := e.ds.Update(ctx, ref, target, m.Entity, datastore.UpdateOptions{ReplaceAllFields: m.Kind == MutationReplace})
		if err != nil {
			return nil, err
		}
		return &MutationResult{ID: res.ID, Matched: res.Matched, DateModified: res.DateModified, UsageWarning: res.UsageWarning}, nil
	case MutationUpsert:
		c, err := e.ds.Upsert(ctx, ref, target, m.Entity, m.Write)
		if err != nil {
			return nil, err
		}
		return fromConfirmation(c), nil
	case MutationDelete:
		if m.ID != "" {
			if err := e.ds.Delete(ctx, ref, m.ID); err != nil {
				return nil, err
			}
			return &MutationResult{ID: m.ID, Matched: 1}, nil
		}
		n, err := e.ds.DeleteMany(ctx, ref, target)
		if err != nil {
			return nil, err
		}
		return &MutationResult{Matched: n}, nil
	}
	return nil, fmt.Errorf("unknown mutation %q", m.Kind)
}
