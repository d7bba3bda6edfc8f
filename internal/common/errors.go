// Package common defines shared constants and sentinel errors used across
// the storage, permission and transport layers of pdsvault. Callers should
// use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound       = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrWriteFailed      = errors.New("write failed")
	ErrConnectionFailed = errors.New("connection failed")

	// Configuration errors.
	ErrUserNotConfigured  = errors.New("user storage not configured")
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// Data store errors.
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrAmbiguousUpsert = errors.New("more than one record matches where a unique record is expected")
	ErrInvalidRecord   = errors.New("record must be a json object")

	// Access errors.
	ErrAccessDenied       = errors.New("access denied")
	ErrNoSchema           = errors.New("permission not declared by app")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
