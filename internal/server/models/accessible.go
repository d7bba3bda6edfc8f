package models

import (
	"encoding/json"
	"slices"

	"github.com/dmitrijs2005/pdsvault/internal/common"
)

// AccessibleBy is the sharing metadata stored under a record's
// _accessible_by field. A scope tag is listed in Groups (or a user id in
// Users) iff its perms list is non-empty.
type AccessibleBy struct {
	Groups     []string            `json:"groups,omitempty"`
	Users      []string            `json:"users,omitempty"`
	GroupPerms map[string][]string `json:"group_perms,omitempty"`
	UserPerms  map[string][]string `json:"user_perms,omitempty"`
}

// PermString formats the "<requestor_app>/<permission_name>" token.
func PermString(requestorApp, permissionName string) string {
	return requestorApp + "/" + permissionName
}

// AccessibleByOf decodes the sharing metadata of r. A record that was never
// shared yields an empty value.
func AccessibleByOf(r Record) (*AccessibleBy, error) {
	ab := &AccessibleBy{}
	raw, ok := r[common.FieldAccessibleBy]
	if !ok || raw == nil {
		return ab, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, ab); err != nil {
		return nil, err
	}
	return ab, nil
}

// AddGroup authorizes perm under a scope tag.
func (a *AccessibleBy) AddGroup(scope, perm string) {
	if a.GroupPerms == nil {
		a.GroupPerms = map[string][]string{}
	}
	a.GroupPerms[scope] = addUnique(a.GroupPerms[scope], perm)
	a.Groups = addUnique(a.Groups, scope)
}

// AddUser authorizes perm for a specific grantee.
func (a *AccessibleBy) AddUser(user, perm string) {
	if a.UserPerms == nil {
		a.UserPerms = map[string][]string{}
	}
	a.UserPerms[user] = addUnique(a.UserPerms[user], perm)
	a.Users = addUnique(a.Users, user)
}

// RemoveGroup drops perm from a scope tag; the tag goes away with its last perm.
func (a *AccessibleBy) RemoveGroup(scope, perm string) {
	left := removeValue(a.GroupPerms[scope], perm)
	if len(left) == 0 {
		delete(a.GroupPerms, scope)
		a.Groups = removeValue(a.Groups, scope)
		return
	}
	a.GroupPerms[scope] = left
}

// RemoveUser drops perm for a grantee; the grantee goes away with its last perm.
func (a *AccessibleBy) RemoveUser(user, perm string) {
	left := removeValue(a.UserPerms[user], perm)
	if len(left) == 0 {
		delete(a.UserPerms, user)
		a.Users = removeValue(a.Users, user)
		return
	}
	a.UserPerms[user] = left
}

// RemovePerm drops perm from every scope and user.
func (a *AccessibleBy) RemovePerm(perm string) {
	for _, g := range slices.Clone(a.Groups) {
		a.RemoveGroup(g, perm)
	}
	for _, u := range slices.Clone(a.Users) {
		a.RemoveUser(u, perm)
	}
}

// GroupAllows reports whether perm is authorized under scope.
func (a *AccessibleBy) GroupAllows(scope, perm string) bool {
	return slices.Contains(a.GroupPerms[scope], perm)
}

// UserAllows reports whether perm is authorized for user.
func (a *AccessibleBy) UserAllows(user, perm string) bool {
	return slices.Contains(a.UserPerms[user], perm)
}

// IsEmpty reports whether nothing is shared any more.
func (a *AccessibleBy) IsEmpty() bool {
	return len(a.Groups) == 0 && len(a.Users) == 0
}

// AsValue converts the metadata to a JSON-compatible value for storage.
func (a *AccessibleBy) AsValue() (any, error) {
	rec, err := ToRecord(a)
	if err != nil {
		return nil, err
	}
	return map[string]any(rec), nil
}

func addUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
