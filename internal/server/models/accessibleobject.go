package models

import "github.com/dmitrijs2005/pdsvault/internal/common"

// AccessibleObject is one Accessible-Object Index row: a record (or, for
// field_delegate, a field value) the owner explicitly shared under a
// permission.
type AccessibleObject struct {
	ID              string   `json:"_id,omitempty"`
	Owner           string   `json:"_owner,omitempty"`
	RequestorApp    string   `json:"requestor_app"`
	PermissionName  string   `json:"permission_name"`
	RequesteeApp    string   `json:"requestee_app"`
	Collection      string   `json:"collection"`
	DataObjectID    string   `json:"data_object_id,omitempty"`
	FieldName       string   `json:"field_name,omitempty"`
	FieldValue      string   `json:"field_value,omitempty"`
	DataObject      Record   `json:"data_object,omitempty"`
	SharedWithGroup []string `json:"shared_with_group,omitempty"`
	SharedWithUser  []string `json:"shared_with_user,omitempty"`
	Granted         bool     `json:"granted"`
	Keywords        []string `json:"keywords,omitempty"`
	DateCreated     int64    `json:"_date_created,omitempty"`
	DateModified    int64    `json:"_date_modified,omitempty"`
}

// AccessibleObjectFromRecord decodes a stored index row.
func AccessibleObjectFromRecord(r Record) (*AccessibleObject, error) {
	o := &AccessibleObject{}
	if err := r.Decode(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Fields returns the row as a storable record without reserved fields.
func (o *AccessibleObject) Fields() (Record, error) {
	r, err := ToRecord(o)
	if err != nil {
		return nil, err
	}
	for _, f := range common.ReservedFields {
		delete(r, f)
	}
	return r, nil
}

// HasScopes reports whether any group or user share remains.
func (o *AccessibleObject) HasScopes() bool {
	return len(o.SharedWithGroup) > 0 || len(o.SharedWithUser) > 0
}
