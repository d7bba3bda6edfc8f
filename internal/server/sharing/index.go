// Package sharing maintains the Accessible-Object Index: one row per record
// (or field value) an owner explicitly shared under a permission, kept in
// step with the record's own _accessible_by marks.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// Table holds the index rows of every owner.
var Table = models.SystemTable(common.AccessibleObjectsTable)

type Index struct {
	ds  *datastore.Manager
	log logging.Logger
}

func New(ds *datastore.Manager, log logging.Logger) *Index {
	if log == nil {
		log = logging.Nop()
	}
	return &Index{ds: ds, log: log.With("module", "sharing")}
}

// Audience is who a share is for: a scope tag from Groups, and for the
// "user" scope the grantees in Users.
type Audience struct {
	Group string
	Users []string
}

func (a Audience) validate() error {
	switch a.Group {
	case common.ScopePublic, common.ScopeLoggedIn:
		return nil
	case common.ScopeUser:
		if len(a.Users) == 0 {
			return fmt.Errorf("%w: user share without grantees", common.ErrInvalidRecord)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown sharing scope %q", common.ErrInvalidRecord, a.Group)
}

// Share names a record to share or unshare under an owner's grant.
type Share struct {
	Grant      *models.PermissionGrant
	Collection string
	RecordID   string
	Audience   Audience
	Keywords   []string
}

// FieldShare names a field value to share or unshare under an owner's
// field_delegate grant.
type FieldShare struct {
	Grant      *models.PermissionGrant
	Collection string
	FieldName  string
	FieldValue string
	Audience   Audience
}

func recordTable(g *models.PermissionGrant, collection string) models.TableRef {
	return models.TableRef{Owner: g.Owner, AppName: g.RequesteeApp, Collection: collection}
}

// checkGrant verifies the owner's grant allows sharing with the audience.
func checkGrant(g *models.PermissionGrant, want models.PermissionType, collection string, aud Audience) error {
	if g == nil {
		return deny("no grant")
	}
	if g.Type != want {
		return deny("permission %s is %s, not %s", g.PermissionName, g.Type, want)
	}
	if !g.Active() {
		return deny("permission %s is not granted", g.PermissionName)
	}
	if !g.CoversCollection(collection) {
		return deny("permission %s does not cover %s", g.PermissionName, collection)
	}
	if !g.AllowsGroup(aud.Group) {
		return deny("permission %s cannot be shared with %s", g.PermissionName, aud.Group)
	}
	return aud.validate()
}

func deny(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrAccessDenied, fmt.Sprintf(format, args...))
}

func rowFilter(owner string, o *models.AccessibleObject) storage.Filter {
	f := storage.Filter{
		common.FieldOwner: owner,
		"requestor_app":   o.RequestorApp,
		"permission_name": o.PermissionName,
		"requestee_app":   o.RequesteeApp,
		"collection":      o.Collection,
	}
	if o.DataObjectID != "" {
		f["data_object_id"] = o.DataObjectID
	} else {
		f["field_name"] = o.FieldName
		f["field_value"] = o.FieldValue
	}
	return f
}

// row loads the index row matching key's identity, or nil. Duplicates keep
// the lowest _id.
func (x *Index) row(ctx context.Context, owner string, key *models.AccessibleObject) (*models.AccessibleObject, error) {
	recs, err := x.ds.Query(ctx, Table, rowFilter(owner, key), storage.QueryOptions{
		Sort:  []storage.SortField{{Field: common.FieldID}},
		Limit: storage.Unlimited,
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	if len(recs) > 1 {
		x.log.Warn(ctx, "duplicate accessible object rows", "owner", owner, "count", len(recs))
	}
	return models.AccessibleObjectFromRecord(recs[0])
}

func (x *Index) saveRow(ctx context.Context, owner string, o *models.AccessibleObject) error {
	fields, err := o.Fields()
	if err != nil {
		return err
	}
	if o.ID == "" {
		conf, err := x.ds.Create(ctx, Table, "", fields, datastore.WriteOptions{Owner: owner})
		if err != nil {
			return err
		}
		o.ID, o.Owner, o.DateCreated, o.DateModified = conf.ID, owner, conf.DateCreated, conf.DateModified
		return nil
	}
	old := models.Record{common.FieldID: o.ID, common.FieldOwner: owner, common.FieldDateCreated: o.DateCreated}
	res, err := x.ds.Update(ctx, Table, storage.ByID(o.ID), fields, datastore.UpdateOptions{ReplaceAllFields: true, Old: old})
	if err != nil {
		return err
	}
	o.DateModified = res.DateModified
	return nil
}

// mark rewrites a record's _accessible_by. Restore mode is the only way
// that field is written. The quota is not checked: an owner over the limit
// must still be able to unshare.
func (x *Index) mark(ctx context.Context, ref models.TableRef, id string, edit func(ab *models.AccessibleBy)) error {
	rec, err := x.ds.ReadByID(ctx, ref, id)
	if err != nil {
		return err
	}
	ab, err := models.AccessibleByOf(rec)
	if err != nil {
		return err
	}
	edit(ab)
	v, err := ab.AsValue()
	if err != nil {
		return err
	}
	_, err = x.ds.UpdateByID(ctx, ref, id, models.Record{common.FieldAccessibleBy: v}, datastore.UpdateOptions{RestoreRecord: true, SkipQuota: true})
	return err
}

func addScopes(o *models.AccessibleObject, aud Audience) {
	if aud.Group == common.ScopeUser {
		for _, u := range aud.Users {
			if !slices.Contains(o.SharedWithUser, u) {
				o.SharedWithUser = append(o.SharedWithUser, u)
			}
		}
		return
	}
	if !slices.Contains(o.SharedWithGroup, aud.Group) {
		o.SharedWithGroup = append(o.SharedWithGroup, aud.Group)
	}
}

func removeScopes(o *models.AccessibleObject, aud Audience) {
	if aud.Group == common.ScopeUser {
		o.SharedWithUser = slices.DeleteFunc(o.SharedWithUser, func(u string) bool { return slices.Contains(aud.Users, u) })
		return
	}
	o.SharedWithGroup = slices.DeleteFunc(o.SharedWithGroup, func(g string) bool { return g == aud.Group })
}

// Grant shares a record. The index row is written before the record mark:
// access checks read the mark, so a failure in between never exposes data.
func (x *Index) Grant(ctx context.Context, s Share) (*models.AccessibleObject, error) {
	if err := checkGrant(s.Grant, models.ObjectDelegate, s.Collection, s.Audience); err != nil {
		return nil, err
	}
	g := s.Grant
	ref := recordTable(g, s.Collection)

	rec, err := x.ds.ReadByID(ctx, ref, s.RecordID)
	if err != nil {
		return nil, err
	}

	key := &models.AccessibleObject{
		RequestorApp:   g.RequestorApp,
		PermissionName: g.PermissionName,
		RequesteeApp:   g.RequesteeApp,
		Collection:     s.Collection,
		DataObjectID:   s.RecordID,
	}
	o, err := x.row(ctx, g.Owner, key)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = key
	}
	addScopes(o, s.Audience)
	o.Granted = true
	if len(s.Keywords) > 0 {
		o.Keywords = s.Keywords
	}
	if len(g.ReturnFields) > 0 {
		o.DataObject = rec.Project(g.ReturnFields)
	} else {
		o.DataObject = rec.WithoutReserved()
	}
	if err := x.saveRow(ctx, g.Owner, o); err != nil {
		return nil, err
	}

	perm := models.PermString(g.RequestorApp, g.PermissionName)
	err = x.mark(ctx, ref, s.RecordID, func(ab *models.AccessibleBy) {
		if s.Audience.Group == common.ScopeUser {
			for _, u := range s.Audience.Users {
				ab.AddUser(u, perm)
			}
			return
		}
		ab.AddGroup(s.Audience.Group, perm)
	})
	if err != nil {
		return nil, err
	}

	x.log.Info(ctx, "record shared", "owner", g.Owner, "permission", perm, "record", s.RecordID, "scope", s.Audience.Group)
	return o, nil
}

// Revoke withdraws a share. The record mark is removed first; the index row
// loses the scope and stays, with granted false once no scope is left.
func (x *Index) Revoke(ctx context.Context, s Share) (*models.AccessibleObject, error) {
	if s.Grant == nil {
		return nil, deny("no grant")
	}
	if err := s.Audience.validate(); err != nil {
		return nil, err
	}
	g := s.Grant
	ref := recordTable(g, s.Collection)
	perm := models.PermString(g.RequestorApp, g.PermissionName)

	markErr := x.mark(ctx, ref, s.RecordID, func(ab *models.AccessibleBy) {
		if s.Audience.Group == common.ScopeUser {
			for _, u := range s.Audience.Users {
				ab.RemoveUser(u, perm)
			}
			return
		}
		ab.RemoveGroup(s.Audience.Group, perm)
	})
	if markErr != nil && !errors.Is(markErr, common.ErrorNotFound) {
		return nil, markErr
	}

	o, err := x.row(ctx, g.Owner, &models.AccessibleObject{
		RequestorApp:   g.RequestorApp,
		PermissionName: g.PermissionName,
		RequesteeApp:   g.RequesteeApp,
		Collection:     s.Collection,
		DataObjectID:   s.RecordID,
	})
	if err != nil {
		return nil, err
	}
	if o == nil {
		if markErr != nil {
			return nil, markErr
		}
		return nil, fmt.Errorf("%w: record %s is not shared under %s", common.ErrorNotFound, s.RecordID, perm)
	}

	removeScopes(o, s.Audience)
	o.Granted = o.HasScopes()
	if err := x.saveRow(ctx, g.Owner, o); err != nil {
		return nil, err
	}
	x.log.Info(ctx, "record unshared", "owner", g.Owner, "permission", perm, "record", s.RecordID, "scope", s.Audience.Group)
	return o, nil
}

// GrantField shares every record whose field equals the value. Only the
// index carries field shares.
func (x *Index) GrantField(ctx context.Context, s FieldShare) (*models.AccessibleObject, error) {
	if err := checkGrant(s.Grant, models.FieldDelegate, s.Collection, s.Audience); err != nil {
		return nil, err
	}
	g := s.Grant
	if !slices.Contains(g.SharableFields, s.FieldName) {
		return nil, deny("field %s is not sharable under %s", s.FieldName, g.PermissionName)
	}

	key := &models.AccessibleObject{
		RequestorApp:   g.RequestorApp,
		PermissionName: g.PermissionName,
		RequesteeApp:   g.RequesteeApp,
		Collection:     s.Collection,
		FieldName:      s.FieldName,
		FieldValue:     s.FieldValue,
	}
	o, err := x.row(ctx, g.Owner, key)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = key
	}
	addScopes(o, s.Audience)
	o.Granted = true
	if err := x.saveRow(ctx, g.Owner, o); err != nil {
		return nil, err
	}
	return o, nil
}

// RevokeField withdraws a field share.
func (x *Index) RevokeField(ctx context.Context, s FieldShare) (*models.AccessibleObject, error) {
	if s.Grant == nil {
		return nil, deny("no grant")
	}
	if err := s.Audience.validate(); err != nil {
		return nil, err
	}
	g := s.Grant
	o, err := x.row(ctx, g.Owner, &models.AccessibleObject{
		RequestorApp:   g.RequestorApp,
		PermissionName: g.PermissionName,
		RequesteeApp:   g.RequesteeApp,
		Collection:     s.Collection,
		FieldName:      s.FieldName,
		FieldValue:     s.FieldValue,
	})
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: field %s=%s is not shared", common.ErrorNotFound, s.FieldName, s.FieldValue)
	}
	removeScopes(o, s.Audience)
	o.Granted = o.HasScopes()
	if err := x.saveRow(ctx, g.Owner, o); err != nil {
		return nil, err
	}
	return o, nil
}

// BulkRevokeByPermission withdraws every share the owner made under a
// permission. Failures on single records are collected in the returned
// flags and the rest continue.
func (x *Index) BulkRevokeByPermission(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*flags.Flags, error) {
	rows, err := x.Find(ctx, Query{
		Owner:          owner,
		RequestorApp:   requestorApp,
		RequesteeApp:   requesteeApp,
		PermissionName: name,
		GrantedOnly:    true,
	})
	if err != nil {
		return nil, err
	}

	f := flags.New()
	perm := models.PermString(requestorApp, name)
	revoked := 0
	for _, o := range rows {
		if o.DataObjectID != "" {
			ref := models.TableRef{Owner: owner, AppName: requesteeApp, Collection: o.Collection}
			err := x.mark(ctx, ref, o.DataObjectID, func(ab *models.AccessibleBy) { ab.RemovePerm(perm) })
			if err != nil && !errors.Is(err, common.ErrorNotFound) {
				f.Error(o.DataObjectID, err)
				continue
			}
		}
		o.SharedWithGroup, o.SharedWithUser, o.Granted = nil, nil, false
		if err := x.saveRow(ctx, owner, o); err != nil {
			f.Error(o.ID, err)
			continue
		}
		revoked++
	}
	if revoked > 0 {
		f.Note("%d shared items revoked", revoked)
	}
	if len(f.Errors) > 0 {
		x.log.Warn(ctx, "bulk revoke incomplete", "owner", owner, "permission", perm, "summary", f.Summary())
	}
	return f, nil
}

// Query selects index rows. Empty fields do not filter.
type Query struct {
	Owner          string
	RequestorApp   string
	PermissionName string
	RequesteeApp   string
	Collection     string
	DataObjectID   string
	FieldName      string
	FieldValue     string
	Group          string
	User           string
	GrantedOnly    bool
	Limit          int
	Skip           int
}

func (q Query) filter() storage.Filter {
	f := storage.Filter{}
	set := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set(common.FieldOwner, q.Owner)
	set("requestor_app", q.RequestorApp)
	set("permission_name", q.PermissionName)
	set("requestee_app", q.RequesteeApp)
	set("collection", q.Collection)
	set("data_object_id", q.DataObjectID)
	set("field_name", q.FieldName)
	set("field_value", q.FieldValue)
	set("shared_with_group", q.Group)
	set("shared_with_user", q.User)
	if q.GrantedOnly {
		f["granted"] = true
	}
	return f
}

// Find lists index rows, newest first.
func (x *Index) Find(ctx context.Context, q Query) ([]*models.AccessibleObject, error) {
	limit := q.Limit
	if limit == 0 {
		limit = storage.Unlimited
	}
	recs, err := x.ds.Query(ctx, Table, q.filter(), storage.QueryOptions{Limit: limit, Skip: q.Skip})
	if err != nil {
		return nil, err
	}
	out := make([]*models.AccessibleObject, 0, len(recs))
	for _, r := range recs {
		o, err := models.AccessibleObjectFromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
