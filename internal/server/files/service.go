package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// DefaultURLTTL bounds presigned download links.
const DefaultURLTTL = 15 * time.Minute

// ConfigProvider supplies owners' storage configuration.
type ConfigProvider interface {
	StorageConfig(ctx context.Context, owner string) (*models.StorageConfig, error)
}

// QuotaChecker refuses writes once an owner is over quota.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, owner string) (bool, error)
}

type Service struct {
	configs ConfigProvider
	quota   QuotaChecker
	root    string
	log     logging.Logger

	// open builds a backend from fsParams; a seam for tests.
	open func(ctx context.Context, p models.BackendParams) (Backend, error)

	mu       sync.Mutex
	backends map[string]Backend
}

// NewService returns a file store. Local backends without a "root" param
// are placed under root.
func NewService(configs ConfigProvider, quota QuotaChecker, root string, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{
		configs:  configs,
		quota:    quota,
		root:     root,
		log:      log.With("module", "files"),
		backends: map[string]Backend{},
	}
	s.open = s.openBackend
	return s
}

func (s *Service) openBackend(ctx context.Context, p models.BackendParams) (Backend, error) {
	if err := (Kinds{}).Validate(p); err != nil {
		return nil, err
	}
	switch p.Type {
	case KindLocal:
		return NewLocalBackend(p.Param("root", s.root))
	default:
		return NewS3Backend(ctx, p)
	}
}

// backend returns the owner's cached backend. Backends are keyed by their
// parameters so a changed configuration gets a fresh one.
func (s *Service) backend(ctx context.Context, owner string) (Backend, error) {
	cfg, err := s.configs.StorageConfig(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrUserNotConfigured, owner, err)
	}
	if cfg.FSParams.Type == "" {
		return nil, fmt.Errorf("%w: %s has no file store", common.ErrUserNotConfigured, owner)
	}
	b, _ := json.Marshal(cfg.FSParams)
	key := string(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if be, ok := s.backends[key]; ok {
		return be, nil
	}
	be, err := s.open(ctx, cfg.FSParams)
	if err != nil {
		return nil, err
	}
	s.backends[key] = be
	return be, nil
}

// objectKey builds <owner>/<app>/<path>. The path must stay inside the app
// namespace.
func objectKey(owner, app, p string) (string, error) {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: path %q leaves the app folder", common.ErrAccessDenied, p)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty file path", common.ErrInvalidRecord)
	}
	return owner + "/" + models.NormalizeName(app) + "/" + strings.Join(parts, "/"), nil
}

// Write stores a file. Over-quota owners are refused before anything is
// written.
func (s *Service) Write(ctx context.Context, owner, app, p string, r io.Reader, size int64) (*models.File, error) {
	key, err := objectKey(owner, app, p)
	if err != nil {
		return nil, err
	}
	if s.quota != nil {
		if _, err := s.quota.CheckQuota(ctx, owner); err != nil {
			return nil, err
		}
	}
	be, err := s.backend(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := be.Put(ctx, key, r, size); err != nil {
		s.log.Error(ctx, "file write failed", "owner", owner, "app", app, "error", err)
		return nil, err
	}
	return &models.File{
		Owner:        owner,
		AppName:      app,
		Path:         p,
		StorageKey:   key,
		Size:         size,
		DateModified: models.NowMillis(),
	}, nil
}

// Open reads a file. Authorization is the caller's job.
func (s *Service) Open(ctx context.Context, owner, app, p string) (io.ReadCloser, error) {
	key, err := objectKey(owner, app, p)
	if err != nil {
		return nil, err
	}
	be, err := s.backend(ctx, owner)
	if err != nil {
		return nil, err
	}
	return be.Open(ctx, key)
}

func (s *Service) Delete(ctx context.Context, owner, app, p string) error {
	key, err := objectKey(owner, app, p)
	if err != nil {
		return err
	}
	be, err := s.backend(ctx, owner)
	if err != nil {
		return err
	}
	return be.Delete(ctx, key)
}

// DownloadURL returns a presigned link when the owner's backend supports
// one; ttl 0 means DefaultURLTTL.
func (s *Service) DownloadURL(ctx context.Context, owner, app, p string, ttl time.Duration) (*models.FileDownload, error) {
	key, err := objectKey(owner, app, p)
	if err != nil {
		return nil, err
	}
	be, err := s.backend(ctx, owner)
	if err != nil {
		return nil, err
	}
	ps, ok := be.(Presigner)
	if !ok {
		return nil, fmt.Errorf("%w: %v", common.ErrUnsupportedBackend, errNoPresign)
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	url, err := ps.PresignGet(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return &models.FileDownload{Path: p, URL: url}, nil
}

// Usage is the owner's file bytes. Owners without a file store use none.
func (s *Service) Usage(ctx context.Context, owner string) (int64, error) {
	cfg, err := s.configs.StorageConfig(ctx, owner)
	if err != nil || cfg.FSParams.Type == "" {
		return 0, nil
	}
	be, err := s.backend(ctx, owner)
	if err != nil {
		return 0, err
	}
	return be.Size(ctx, owner+"/")
}
