package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dmitrijs2005/pdsvault/internal/flagx"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/timex"
)

// FileConfig is the on-disk form of Config. Durations accept "25s" style
// strings, and JSON also accepts integer nanoseconds. Unset fields keep the
// value they had before the file was read.
type FileConfig struct {
	EndpointAddrGRPC            string                `json:"endpoint_addr_grpc" toml:"endpoint_addr_grpc"`
	DatabaseDSN                 string                `json:"database_dsn" toml:"database_dsn"`
	SecretKey                   string                `json:"secret_key" toml:"secret_key"`
	AccessTokenValidityDuration timex.Duration        `json:"access_token_validity_duration" toml:"access_token_validity_duration"`
	ConfigKey                   string                `json:"config_key" toml:"config_key"`
	SystemStorage               *models.BackendParams `json:"system_storage" toml:"system_storage"`
	AppsDir                     string                `json:"apps_dir" toml:"apps_dir"`
	FilesRoot                   string                `json:"files_root" toml:"files_root"`
	LogFormat                   string                `json:"log_format" toml:"log_format"`
	OpTimeout                   timex.Duration        `json:"op_timeout" toml:"op_timeout"`
	IdleTimeout                 timex.Duration        `json:"idle_timeout" toml:"idle_timeout"`
	FlushIdle                   timex.Duration        `json:"flush_idle" toml:"flush_idle"`
	QuotaRecalcInterval         timex.Duration        `json:"quota_recalc_interval" toml:"quota_recalc_interval"`
}

// parseFile overlays the file named by -c or -config. The format follows
// the extension: ".toml" is TOML, anything else JSON.
func parseFile(config *Config) error {
	path := flagx.ConfigFileFlag()

	// nothing to load
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	c := &FileConfig{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, c)
	} else {
		err = json.Unmarshal(b, c)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	c.apply(config)
	return nil
}

func (c *FileConfig) apply(config *Config) {
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.ConfigKey, c.ConfigKey)
	setString(&config.AppsDir, c.AppsDir)
	setString(&config.FilesRoot, c.FilesRoot)
	setString(&config.LogFormat, c.LogFormat)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&config.OpTimeout, c.OpTimeout)
	setDuration(&config.IdleTimeout, c.IdleTimeout)
	setDuration(&config.FlushIdle, c.FlushIdle)
	setDuration(&config.QuotaRecalcInterval, c.QuotaRecalcInterval)
	if c.SystemStorage != nil && c.SystemStorage.Type != "" {
		config.SystemStorage = *c.SystemStorage
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
