// Package config handles configuration for the server component,
// including defaults, a JSON or TOML file overlay, and command-line flags.
package config

import (
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// Config holds runtime settings for the pdsvault server.
//
// Fields:
//   - EndpointAddrGRPC: bind address for the public gRPC endpoint.
//   - DatabaseDSN: PostgreSQL DSN (pgx) of the accounts database. Empty keeps
//     accounts in memory.
//   - SecretKey: HMAC secret for signing JWTs (HS256). Do not use test defaults in prod.
//   - ConfigKey: hex AES key sealing stored storage configurations. Empty
//     stores them in clear.
//   - SystemStorage: backend of the system tables (permissions, sharing index).
//   - AppsDir: directory of app manifests loaded at startup.
//   - FilesRoot: default root of local file stores.
//   - LogFormat: "slog" (default) or "zerolog".
type Config struct {
	EndpointAddrGRPC            string
	DatabaseDSN                 string
	SecretKey                   string
	AccessTokenValidityDuration time.Duration
	ConfigKey                   string
	SystemStorage               models.BackendParams
	AppsDir                     string
	FilesRoot                   string
	LogFormat                   string
	OpTimeout                   time.Duration
	IdleTimeout                 time.Duration
	FlushIdle                   time.Duration
	QuotaRecalcInterval         time.Duration
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.DatabaseDSN = ""
	c.SecretKey = "secretKey"
	c.AccessTokenValidityDuration = 15 * time.Minute
	c.SystemStorage = models.BackendParams{Type: "sqlite", Params: map[string]string{"path": "data/system.db"}}
	c.AppsDir = "apps"
	c.FilesRoot = "data/files"
	c.LogFormat = "slog"
	c.OpTimeout = 10 * time.Second
	c.IdleTimeout = 25 * time.Second
	c.FlushIdle = 3 * time.Second
	c.QuotaRecalcInterval = 5 * time.Minute
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional config file and finally from command-line flags.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
