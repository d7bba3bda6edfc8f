// Package apps keeps the declared app manifests the permission store and
// access engine resolve permissions against.
package apps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"gopkg.in/yaml.v3"
)

var manifestExts = []string{".yaml", ".yml", ".json"}

var scopes = []string{common.ScopeSelf, common.ScopeUser, common.ScopeLoggedIn, common.ScopePublic}

// Registry holds the current manifest of every known app. Manifests are
// replaced whole; callers must not modify a returned *models.AppConfig.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*models.AppConfig
	log  logging.Logger
}

func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{apps: map[string]*models.AppConfig{}, log: log.With("module", "apps")}
}

// App returns the manifest of name.
func (r *Registry) App(name string) (*models.AppConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[name]
	return a, ok
}

// Names lists the registered apps in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for n := range r.apps {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Put validates cfg and makes it the app's current manifest.
func (r *Registry) Put(cfg *models.AppConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	r.apps[cfg.AppName] = cfg
	r.mu.Unlock()
	return nil
}

// Validate checks the parts of a manifest every permission relies on.
// Unknown permission types are accepted here and reported when grants are
// reconciled.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil || strings.TrimSpace(cfg.AppName) == "" {
		return errors.New("manifest has no app_name")
	}
	for name, p := range cfg.Permissions {
		if p.Type == "" {
			return fmt.Errorf("%s: permission %s has no type", cfg.AppName, name)
		}
		for _, g := range p.SharableGroups {
			if !slices.Contains(scopes, g) {
				return fmt.Errorf("%s: permission %s has unknown sharable group %q", cfg.AppName, name, g)
			}
		}
		if p.Type == models.FieldDelegate && len(p.SharableFields) == 0 {
			return fmt.Errorf("%s: field_delegate permission %s declares no sharable_fields", cfg.AppName, name)
		}
		if p.Type == models.FolderDelegate && len(p.SharableFolders) == 0 {
			return fmt.Errorf("%s: folder_delegate permission %s declares no sharable_folders", cfg.AppName, name)
		}
	}
	return nil
}

// Parse reads one manifest. JSON documents are valid YAML, so both go
// through the same decoder.
func Parse(data []byte) (*models.AppConfig, error) {
	cfg := &models.AppConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return cfg, nil
}

// LoadFile parses and registers one manifest file.
func (r *Registry) LoadFile(path string) (*models.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := r.Put(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir registers every manifest directly under dir and returns how many
// were loaded. A bad manifest is logged and skipped.
func (r *Registry) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(manifestExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		cfg, err := r.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			r.log.Warn(ctx, "skipping app manifest", "file", e.Name(), "error", err)
			continue
		}
		r.log.Debug(ctx, "app manifest loaded", "app", cfg.AppName, "permissions", len(cfg.Permissions))
		n++
	}
	return n, nil
}
