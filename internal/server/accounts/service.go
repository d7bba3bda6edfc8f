package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/cryptox"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// Validator checks backend parameters against the kinds a component
// supports. *storage.Registry and files.Kinds implement it.
type Validator interface {
	Validate(params models.BackendParams) error
}

// Service is the accounts collaborator of the data store: it hands out
// storage configurations and checks credentials.
type Service struct {
	repo Repository
	db   Validator
	fs   Validator
	log  logging.Logger

	// dummy is hashed for unknown users so that lookups cost the same.
	dummy []byte
}

func NewService(repo Repository, db, fs Validator, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{repo: repo, db: db, fs: fs, log: log.With("module", "accounts"), dummy: cryptox.NewSalt()}
}

// validate rejects configurations naming unknown backends. An empty
// fsParams type means the owner has no file store.
func (s *Service) validate(cfg *models.StorageConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.StorageLimit < 0 {
		return fmt.Errorf("%w: negative storage limit", common.ErrInvalidRecord)
	}
	if s.db != nil {
		if err := s.db.Validate(cfg.DBParams); err != nil {
			return fmt.Errorf("dbParams: %w", err)
		}
	}
	if cfg.FSParams.Type != "" && s.fs != nil {
		if err := s.fs.Validate(cfg.FSParams); err != nil {
			return fmt.Errorf("fsParams: %w", err)
		}
	}
	return nil
}

// Register creates an account. cfg may be nil for an account whose storage
// is configured later.
func (s *Service) Register(ctx context.Context, userID string, password []byte, cfg *models.StorageConfig) (*models.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, "__") {
		return nil, fmt.Errorf("%w: invalid user id %q", common.ErrInvalidRecord, userID)
	}
	if err := s.validate(cfg); err != nil {
		return nil, err
	}

	salt := cryptox.NewSalt()
	a := &models.Account{
		UserID:         userID,
		StorageConfig:  cfg,
		Salt:           salt,
		CredentialHash: cryptox.HashCredential(password, salt),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "account registered", "user", userID)
	return a, nil
}

// SetStorageConfig validates and stores the owner's storage configuration.
func (s *Service) SetStorageConfig(ctx context.Context, userID string, cfg *models.StorageConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}
	return s.repo.UpdateStorageConfig(ctx, userID, cfg)
}

// StorageConfig returns the owner's storage configuration, or
// common.ErrorNotFound when the owner is unknown or has none.
func (s *Service) StorageConfig(ctx context.Context, owner string) (*models.StorageConfig, error) {
	a, err := s.repo.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	if a.StorageConfig == nil {
		return nil, fmt.Errorf("%w: %s has no storage config", common.ErrorNotFound, owner)
	}
	return a.StorageConfig, nil
}

// CheckCredential reports whether password is the user's credential.
// Unknown users and lookup failures both answer false.
func (s *Service) CheckCredential(ctx context.Context, userID string, password []byte) bool {
	a, err := s.repo.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.log.Error(ctx, "credential lookup failed", "user", userID, "error", err)
		}
		cryptox.CheckCredential(s.dummy, s.dummy, password)
		return false
	}
	return cryptox.CheckCredential(a.CredentialHash, a.Salt, password)
}

// Owners lists every registered account.
func (s *Service) Owners(ctx context.Context) ([]string, error) {
	return s.repo.List(ctx)
}
