package accounts

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/cryptox"
	"github.com/dmitrijs2005/pdsvault/internal/dbx"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate is a seam for testing the goose provider.
var migrate = func(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

// RunMigrations brings the accounts schema up to date.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db)
}

// PostgresRepository keeps accounts in PostgreSQL. With a key, storage
// configurations (which hold backend credentials) are sealed with AES-GCM;
// without one they are stored as plain JSON.
type PostgresRepository struct {
	db  dbx.DBTX
	key []byte
}

func NewPostgresRepository(db dbx.DBTX, key []byte) *PostgresRepository {
	return &PostgresRepository{db: db, key: key}
}

func (r *PostgresRepository) sealConfig(cfg *models.StorageConfig) ([]byte, []byte, error) {
	if cfg == nil {
		return nil, nil, nil
	}
	if len(r.key) == 0 {
		b, err := json.Marshal(cfg)
		return b, nil, err
	}
	return cryptox.Seal(cfg, r.key)
}

func (r *PostgresRepository) openConfig(data, nonce []byte) (*models.StorageConfig, error) {
	if data == nil {
		return nil, nil
	}
	cfg := &models.StorageConfig{}
	if len(nonce) == 0 {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if len(r.key) == 0 {
		return nil, errors.New("storage config is sealed and no key is configured")
	}
	if err := cryptox.Open(data, nonce, r.key, cfg); err != nil {
		return nil, fmt.Errorf("open storage config: %w", err)
	}
	return cfg, nil
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.Account) error {
	data, nonce, err := r.sealConfig(a.StorageConfig)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO accounts (user_id, storage_config, config_nonce, credential_hash, salt)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`

	err = r.db.QueryRowContext(ctx, query, a.UserID, data, nonce, a.CredentialHash, a.Salt).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: account %s", common.ErrDuplicateKey, a.UserID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.Account, error) {
	query :=
		`SELECT user_id, storage_config, config_nonce, credential_hash, salt, created_at
		 FROM accounts WHERE user_id = $1`

	a := &models.Account{}
	var data, nonce []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&a.UserID, &data, &nonce, &a.CredentialHash, &a.Salt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if a.StorageConfig, err = r.openConfig(data, nonce); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *PostgresRepository) UpdateStorageConfig(ctx context.Context, userID string, cfg *models.StorageConfig) error {
	data, nonce, err := r.sealConfig(cfg)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET storage_config = $2, config_nonce = $3 WHERE user_id = $1`,
		userID, data, nonce)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
