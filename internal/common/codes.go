package common

import "errors"

// Stable machine-readable codes returned to callers alongside a human message.
const (
	CodeOK                = "ok"
	CodeNotFound          = "not_found"
	CodeDuplicateKey      = "duplicate_key"
	CodeConnectionFailed  = "connection_failed"
	CodeUserNotConfigured = "user_not_configured"
	CodeUnsupported       = "unsupported_backend"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeAmbiguous         = "ambiguous_upsert"
	CodeInvalidRecord     = "invalid_record"
	CodeAccessDenied      = "access_denied"
	CodeNoSchema          = "no_schema"
	CodeUnavailable       = "storage_unavailable"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal_error"
)

var codeTable = []struct {
	err  error
	code string
}{
	// Order matters: wrapped chains may match more than one sentinel and the
	// access-level classification has to win over the storage cause.
	{ErrAccessDenied, CodeAccessDenied},
	{ErrNoSchema, CodeNoSchema},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrUserNotConfigured, CodeUserNotConfigured},
	{ErrUnsupportedBackend, CodeUnsupported},
	{ErrAmbiguousUpsert, CodeAmbiguous},
	{ErrInvalidRecord, CodeInvalidRecord},
	{ErrDuplicateKey, CodeDuplicateKey},
	{ErrorNotFound, CodeNotFound},
	{ErrStorageUnavailable, CodeUnavailable},
	{ErrConnectionFailed, CodeConnectionFailed},
	{ErrorUnauthorized, CodeUnauthorized},
	{ErrInvalidToken, CodeUnauthorized},
	{ErrTokenExpired, CodeUnauthorized},
}

// Code maps err to a stable code. Unknown errors collapse to CodeInternal so
// backend details never reach the caller.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Message returns the public message for err: the sentinel text for known
// errors, a generic text otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return ErrorInternal.Error()
}
