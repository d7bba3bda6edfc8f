package models

// BackendParams selects a backend implementation by Type and carries its
// connection details (dsn, path, bucket, region, ...).
type BackendParams struct {
	Type   string            `json:"type" yaml:"type" toml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty" toml:"params"`
}

// Param returns a connection detail or def when it is absent.
func (p BackendParams) Param(key, def string) string {
	if v, ok := p.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// StorageConfig is an owner's storage configuration as supplied by the
// accounts subsystem. StorageLimit is in bytes; zero means unlimited.
type StorageConfig struct {
	DBParams     BackendParams `json:"dbParams"`
	FSParams     BackendParams `json:"fsParams"`
	StorageLimit int64         `json:"storageLimit,omitempty"`
}
