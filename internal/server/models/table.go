package models

import (
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
)

// TableRef identifies an owner's table: either an (app, collection) pair or
// an explicit dotted AppTable such as "dev.ceps.messages.got".
type TableRef struct {
	Owner      string `json:"owner"`
	AppName    string `json:"app_name,omitempty"`
	Collection string `json:"collection,omitempty"`
	AppTable   string `json:"app_table,omitempty"`
}

// Name is the backend-visible table identifier:
// <owner>__<app_name>_<collection> or <owner>__<app_table>, dots replaced
// by underscores. An empty collection maps to the app's main table.
func (t TableRef) Name() string {
	return t.Owner + "__" + t.Suffix()
}

// Suffix is Name without the owner prefix.
func (t TableRef) Suffix() string {
	if t.AppTable != "" {
		return NormalizeName(t.AppTable)
	}
	if t.Collection == "" {
		return NormalizeName(t.AppName)
	}
	return NormalizeName(t.AppName) + "_" + NormalizeName(t.Collection)
}

// AppTableName is the dotted logical name used in logs and exports.
func (t TableRef) AppTableName() string {
	if t.AppTable != "" {
		return t.AppTable
	}
	if t.Collection == "" {
		return t.AppName
	}
	return t.AppName + "." + t.Collection
}

// NormalizeName replaces dots with the underscore separator.
func NormalizeName(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// OwnerPrefix is the table-name prefix shared by all tables of owner.
func OwnerPrefix(owner string) string {
	return owner + "__"
}

// SystemTable is a collection of the admin app owned by common.SystemOwner.
func SystemTable(collection string) TableRef {
	return TableRef{Owner: common.SystemOwner, AppName: common.AdminApp, Collection: collection}
}
