package models

// File describes a user file kept by the file store. The content itself
// lives in the owner's fsParams backend (local directory or object storage).
type File struct {
	// Owner is the user the file belongs to.
	Owner string `json:"owner"`
	// AppName is the app namespace the file was written under.
	AppName string `json:"app_name"`
	// Path is the slash-delimited path inside the app namespace.
	Path string `json:"path"`
	// StorageKey is the backend key (object key or relative file path).
	StorageKey string `json:"storage_key"`
	// Size is the content length in bytes.
	Size int64 `json:"size"`
	// DateModified is Unix milliseconds.
	DateModified int64 `json:"date_modified"`
}

// FileDownload lets a grantee fetch content directly from object storage
// through a temporary presigned URL.
type FileDownload struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}
