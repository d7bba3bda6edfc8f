package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// Reserved record fields. Callers may never set them directly except during
// a restore.
const (
	FieldID           = "_id"
	FieldOwner        = "_owner"
	FieldDateCreated  = "_date_created"
	FieldDateModified = "_date_modified"
	FieldAccessibleBy = "_accessible_by"
)

// ReservedFields lists every field the store owns.
var ReservedFields = []string{FieldOwner, FieldDateCreated, FieldDateModified, FieldAccessibleBy, FieldID}

// IsReserved reports whether name is one of ReservedFields.
func IsReserved(name string) bool {
	for _, f := range ReservedFields {
		if f == name {
			return true
		}
	}
	return false
}

// System tables live under SystemOwner and use the admin app namespace.
const (
	SystemOwner            = "fradmin"
	AdminApp               = "info.freezr.admin"
	PermissionsCollection  = "permissions"
	AccessibleObjectsTable = "accessible_objects"
)

// Sharing scopes.
const (
	ScopeSelf     = "self"
	ScopeUser     = "user"
	ScopeLoggedIn = "logged_in"
	ScopePublic   = "public"
)
