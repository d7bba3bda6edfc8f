// Package server assembles the vault: storage backends, accounts, the data
// store manager, permissions, sharing, files and the gRPC surface. It also
// handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/access"
	"github.com/dmitrijs2005/pdsvault/internal/server/accounts"
	"github.com/dmitrijs2005/pdsvault/internal/server/apps"
	"github.com/dmitrijs2005/pdsvault/internal/server/backup"
	"github.com/dmitrijs2005/pdsvault/internal/server/config"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/files"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/permissions"
	"github.com/dmitrijs2005/pdsvault/internal/server/sharing"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/backends"

	gs "github.com/dmitrijs2005/pdsvault/internal/server/grpc"
)

// sqlOpen is a seam for tests.
var sqlOpen = sql.Open

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *storage.Registry
	ds       *datastore.Manager
	accounts *accounts.Service
	grpc     *gs.GRPCServer
	db       *sql.DB
}

// NewApp wires every component from c. The system storage backend must be
// one the registry knows, otherwise startup fails.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.New(c.LogFormat, os.Stdout)

	reg := backends.NewRegistry(logger)
	if err := reg.Validate(c.SystemStorage); err != nil {
		return nil, fmt.Errorf("system storage: %w", err)
	}

	app := &App{config: c, logger: logger, registry: reg}

	repo, err := app.accountsRepository(ctx)
	if err != nil {
		return nil, err
	}
	app.accounts = accounts.NewService(repo, reg, files.Kinds{}, logger)

	app.ds = datastore.New(reg, app.accounts, datastore.Options{
		SystemConfig:        models.StorageConfig{DBParams: c.SystemStorage},
		OpTimeout:           c.OpTimeout,
		IdleTimeout:         c.IdleTimeout,
		FlushIdle:           c.FlushIdle,
		QuotaRecalcInterval: c.QuotaRecalcInterval,
	}, logger)

	registry := apps.NewRegistry(logger)
	if c.AppsDir != "" {
		n, err := registry.LoadDir(ctx, c.AppsDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load apps: %w", err)
		}
		logger.Info(ctx, "app manifests loaded", "count", n, "dir", c.AppsDir)
	}

	index := sharing.New(app.ds, logger)
	perms := permissions.New(app.ds, registry, index, logger)
	fs := files.NewService(app.accounts, app.ds, c.FilesRoot, logger)
	app.ds.AddUsageSource(fs)

	app.grpc = gs.NewGRPCServer(c.EndpointAddrGRPC, logger, gs.Services{
		Accounts:    app.accounts,
		Records:     access.New(app.ds, perms, index, registry, fs, logger),
		Permissions: perms,
		Shares:      index,
		Files:       fs,
		Apps:        registry,
		Backups:     backup.NewService(app.ds, registry, logger),
	}, c.SecretKey, c.AccessTokenValidityDuration)

	return app, nil
}

// accountsRepository opens Postgres when a DSN is configured and keeps
// accounts in memory otherwise.
func (app *App) accountsRepository(ctx context.Context) (accounts.Repository, error) {
	if app.config.DatabaseDSN == "" {
		app.logger.Warn(ctx, "no database DSN, accounts are kept in memory")
		return accounts.NewMemoryRepository(), nil
	}

	var key []byte
	if app.config.ConfigKey != "" {
		k, err := hex.DecodeString(app.config.ConfigKey)
		if err != nil {
			return nil, fmt.Errorf("config key: %w", err)
		}
		key = k
	}

	db, err := sqlOpen("pgx", app.config.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	if err := accounts.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	return accounts.NewPostgresRepository(db, key), nil
}

// Accounts exposes account registration to the command line.
func (app *App) Accounts() *accounts.Service {
	return app.accounts
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.grpc.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is done or a signal arrives, then flushes and closes
// every open table.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.Close(context.Background())
}

// Close releases storage in dependency order: tables first, then the
// backend pools, then the accounts database.
func (app *App) Close(ctx context.Context) {
	if err := app.ds.Close(ctx); err != nil {
		app.logger.Error(ctx, "closing tables", "error", err)
	}
	if err := app.registry.Close(); err != nil {
		app.logger.Error(ctx, "closing backends", "error", err)
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "closing accounts database", "error", err)
		}
	}
	app.logger.Info(ctx, "Stopped")
}
