package models

import "time"

// Account is an owner as seen by the storage layer: its storage
// configuration plus the opaque credential material used for login checks.
type Account struct {
	UserID         string
	StorageConfig  *StorageConfig
	CredentialHash []byte
	Salt           []byte
	CreatedAt      time.Time
}
