package models

import (
	"slices"

	"github.com/dmitrijs2005/pdsvault/internal/common"
)

// PermissionType is the closed set of permission kinds an app may declare.
type PermissionType string

const (
	ObjectDelegate PermissionType = "object_delegate"
	FieldDelegate  PermissionType = "field_delegate"
	FolderDelegate PermissionType = "folder_delegate"
	DBQuery        PermissionType = "db_query"
	OutsideScript  PermissionType = "outside_script"
	WebConnect     PermissionType = "web_connect"
)

// Valid reports whether t is one of the declared kinds.
func (t PermissionType) Valid() bool {
	switch t {
	case ObjectDelegate, FieldDelegate, FolderDelegate, DBQuery, OutsideScript, WebConnect:
		return true
	}
	return false
}

// External reports whether t guards a resource outside the data store.
func (t PermissionType) External() bool {
	return t == OutsideScript || t == WebConnect
}

// Sharing reports whether grants of type t put marks on individual records
// or fields that must be cleaned up when the grant is withdrawn.
func (t PermissionType) Sharing() bool {
	return t == ObjectDelegate || t == FieldDelegate
}

// PermissionAttrs is the shape of a permission, shared by the declared
// schema and the persisted grant.
type PermissionAttrs struct {
	Type            PermissionType `json:"type" yaml:"type"`
	RequestorApp    string         `json:"requestor_app,omitempty" yaml:"requestor_app"`
	RequesteeApp    string         `json:"requestee_app,omitempty" yaml:"requestee_app"`
	PermissionName  string         `json:"permission_name" yaml:"permission_name"`
	Collection      string         `json:"collection,omitempty" yaml:"collection"`
	Collections     []string       `json:"collections,omitempty" yaml:"collections"`
	SharableFields  []string       `json:"sharable_fields,omitempty" yaml:"sharable_fields"`
	SharableFolders []string       `json:"sharable_folders,omitempty" yaml:"sharable_folders"`
	SharableGroups  []string       `json:"sharable_groups,omitempty" yaml:"sharable_groups"`
	ReturnFields    []string       `json:"return_fields,omitempty" yaml:"return_fields"`
	MaxCount        int            `json:"max_count,omitempty" yaml:"max_count"`
	SortFields      map[string]int `json:"sort_fields,omitempty" yaml:"sort_fields"`
	PermittedFields []string       `json:"permitted_fields,omitempty" yaml:"permitted_fields"`
	Anonymously     bool           `json:"anonymously,omitempty" yaml:"anonymously"`
	Description     string         `json:"description,omitempty" yaml:"description"`
}

// AllCollections returns the collections the permission covers.
func (p PermissionAttrs) AllCollections() []string {
	if len(p.Collections) > 0 {
		return p.Collections
	}
	if p.Collection != "" {
		return []string{p.Collection}
	}
	return nil
}

// CoversCollection reports whether collection is one of AllCollections.
func (p PermissionAttrs) CoversCollection(collection string) bool {
	return slices.Contains(p.AllCollections(), collection)
}

// AllowsGroup reports whether scope may be used with this permission.
func (p PermissionAttrs) AllowsGroup(scope string) bool {
	return slices.Contains(p.SharableGroups, scope)
}

// AppConfig is an app's declared manifest; Permissions is keyed by
// permission name.
type AppConfig struct {
	AppName     string                     `json:"app_name" yaml:"app_name"`
	DisplayName string                     `json:"display_name,omitempty" yaml:"display_name"`
	Version     string                     `json:"version,omitempty" yaml:"version"`
	Permissions map[string]PermissionAttrs `json:"permissions,omitempty" yaml:"permissions"`
}

// Permission returns the normalized declaration of name: permission_name and
// requestee_app are taken from the manifest, requestor_app defaults to the
// declaring app.
func (c *AppConfig) Permission(name string) (PermissionAttrs, bool) {
	p, ok := c.Permissions[name]
	if !ok {
		return PermissionAttrs{}, false
	}
	p.PermissionName = name
	p.RequesteeApp = c.AppName
	if p.RequestorApp == "" {
		p.RequestorApp = c.AppName
	}
	return p, true
}

// PermissionNames lists declared permissions in a stable order.
func (c *AppConfig) PermissionNames() []string {
	names := make([]string, 0, len(c.Permissions))
	for n := range c.Permissions {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// PermissionGrant is an owner's persisted consent (or refusal) for a
// requestor app to use a declared permission. At most one of Granted and
// Denied is true; Outdated marks a grant whose declaration changed since
// consent and must be re-confirmed.
type PermissionGrant struct {
	ID    string `json:"_id,omitempty"`
	Owner string `json:"_owner,omitempty"`
	PermissionAttrs
	Granted      bool  `json:"granted"`
	Denied       bool  `json:"denied"`
	Outdated     bool  `json:"outdated"`
	DateCreated  int64 `json:"_date_created,omitempty"`
	DateModified int64 `json:"_date_modified,omitempty"`
}

// Active reports whether the grant currently authorizes access.
func (g *PermissionGrant) Active() bool {
	return g.Granted && !g.Outdated
}

// GrantFromRecord decodes a stored grant.
func GrantFromRecord(r Record) (*PermissionGrant, error) {
	g := &PermissionGrant{}
	if err := r.Decode(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Fields returns the grant as a storable record without reserved fields.
func (g *PermissionGrant) Fields() (Record, error) {
	r, err := ToRecord(g)
	if err != nil {
		return nil, err
	}
	for _, f := range common.ReservedFields {
		delete(r, f)
	}
	return r, nil
}
