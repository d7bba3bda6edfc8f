// Package postgres stores tables in a shared PostgreSQL database as JSONB
// documents keyed by (table_name, id). Owner and id selectors are pushed down
// to SQL; the rest of a filter is evaluated in process.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/dbx"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Kind is the backend tag.
const Kind = "postgres"

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

// sqlOpen is a seam for tests.
var sqlOpen = sql.Open

// Open connects with the pgx driver and applies migrations.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Register adds the postgres backend to reg; "dsn" is required.
func Register(reg *storage.Registry) {
	reg.Register(Kind, func(ctx context.Context, r *storage.Registry, p models.BackendParams, table string) (storage.Adapter, error) {
		dsn := p.Param("dsn", "")
		key := Kind + ":" + dsn
		return &Adapter{
			table: table,
			open: func(ctx context.Context) (*sql.DB, error) {
				res, err := r.Shared(key, func() (io.Closer, error) {
					return Open(ctx, dsn)
				})
				if err != nil {
					return nil, err
				}
				return res.(*sql.DB), nil
			},
		}, nil
	}, func(p models.BackendParams) error {
		if p.Param("dsn", "") == "" {
			return errors.New("dsn is required")
		}
		return nil
	})
}

// Adapter is one table in the shared records relation.
type Adapter struct {
	table string
	open  func(ctx context.Context) (*sql.DB, error)

	mu         sync.Mutex
	db         *sql.DB
	registered bool
	closed     bool
}

// New binds an adapter to an open database.
func New(db *sql.DB, table string) *Adapter {
	return &Adapter{table: table, open: func(context.Context) (*sql.DB, error) { return db, nil }}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	a.closed = false
	done := a.registered
	a.mu.Unlock()
	if done {
		return nil
	}

	db, err := a.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO record_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, a.table); err != nil {
		return classify(err, true)
	}

	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	return nil
}

// conn opens the shared pool on first use. Listing tables works without
// Initialize; a closed adapter refuses work until initialized again.
func (a *Adapter) conn(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("%w: table %s closed", common.ErrConnectionFailed, a.table)
	}
	if a.db == nil {
		db, err := a.open(ctx)
		if err != nil {
			return nil, classify(err, false)
		}
		a.db = db
	}
	return a.db, nil
}

func (a *Adapter) Create(ctx context.Context, id string, doc models.Record, opts storage.CreateOptions) (string, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	data, modified, err := encode(id, doc)
	if err != nil {
		return "", err
	}

	query := `INSERT INTO records (table_name, id, data, date_modified)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (table_name, id) DO NOTHING`
	if opts.Overwrite {
		query = `INSERT INTO records (table_name, id, data, date_modified)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (table_name, id) DO UPDATE SET data = EXCLUDED.data, date_modified = EXCLUDED.date_modified`
	}
	res, err := db.ExecContext(ctx, query, a.table, id, data, modified)
	if err != nil {
		return "", classify(fmt.Errorf("db error: %w", err), true)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return "", classify(err, true)
	}
	if ra == 0 {
		return "", fmt.Errorf("%w: %s", common.ErrDuplicateKey, id)
	}
	return id, nil
}

func (a *Adapter) ReadByID(ctx context.Context, id string) (models.Record, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE table_name = $1 AND id = $2`, a.table, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, classify(fmt.Errorf("db error: %w", err), false)
	}
	return decode(data)
}

// where builds the pushed-down predicate and reports whether it covers the
// whole filter.
func (a *Adapter) where(filter storage.Filter) (string, []any, bool) {
	clause := `table_name = $1`
	args := []any{a.table}
	covered := 0
	if id, ok := filter[common.FieldID].(string); ok {
		args = append(args, id)
		clause += fmt.Sprintf(` AND id = $%d`, len(args))
		covered++
	}
	if owner, ok := filter[common.FieldOwner].(string); ok {
		b, _ := json.Marshal(map[string]string{common.FieldOwner: owner})
		args = append(args, string(b))
		clause += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args))
		covered++
	}
	return clause, args, covered == len(filter)
}

func (a *Adapter) Query(ctx context.Context, filter storage.Filter, opts storage.QueryOptions) ([]models.Record, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	clause, args, covered := a.where(filter)
	query := `SELECT data FROM records WHERE ` + clause + ` ORDER BY date_modified DESC, id`

	if covered && len(opts.Sort) == 0 {
		limit := opts.Limit
		if limit == 0 {
			limit = storage.DefaultLimit
		}
		if limit > 0 {
			args = append(args, limit)
			query += fmt.Sprintf(` LIMIT $%d`, len(args))
		}
		if opts.Skip > 0 {
			args = append(args, opts.Skip)
			query += fmt.Sprintf(` OFFSET $%d`, len(args))
		}
		recs, err := a.scan(ctx, db, query, args...)
		if err != nil {
			return nil, classify(err, false)
		}
		if recs == nil {
			recs = []models.Record{}
		}
		return recs, nil
	}

	recs, err := a.scan(ctx, db, query, args...)
	if err != nil {
		return nil, classify(err, false)
	}
	return storage.Select(recs, filter, opts)
}

func (a *Adapter) scan(ctx context.Context, q dbx.DBTX, query string, args ...any) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *Adapter) matching(ctx context.Context, tx dbx.DBTX, filter storage.Filter) ([]models.Record, error) {
	clause, args, _ := a.where(filter)
	recs, err := a.scan(ctx, tx, `SELECT data FROM records WHERE `+clause+` FOR UPDATE`, args...)
	if err != nil {
		return nil, err
	}
	return storage.Select(recs, filter, storage.QueryOptions{Limit: storage.Unlimited})
}

func (a *Adapter) UpdateMany(ctx context.Context, filter storage.Filter, partial models.Record) (int, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return 0, err
	}
	patch, err := json.Marshal(partial)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}

	var n int
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		matches, err := a.matching(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, r := range matches {
			modified, _ := storage.Merge(r, partial).Int64(common.FieldDateModified)
			_, err := tx.ExecContext(ctx,
				`UPDATE records SET data = data || $1::jsonb, date_modified = $2 WHERE table_name = $3 AND id = $4`,
				string(patch), modified, a.table, r.ID())
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		n = len(matches)
		return nil
	})
	if err != nil {
		return 0, classify(err, true)
	}
	return n, nil
}

func (a *Adapter) ReplaceByID(ctx context.Context, id string, doc models.Record) (int, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return 0, err
	}
	data, modified, err := encode(id, doc)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE records SET data = $1::jsonb, date_modified = $2 WHERE table_name = $3 AND id = $4`,
		data, modified, a.table, id)
	if err != nil {
		return 0, classify(fmt.Errorf("db error: %w", err), true)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, true)
	}
	return int(ra), nil
}

func (a *Adapter) DeleteMany(ctx context.Context, filter storage.Filter, opts storage.DeleteOptions) (int, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return 0, err
	}
	if id, ok := filter.IDOnly(); ok {
		res, err := db.ExecContext(ctx, `DELETE FROM records WHERE table_name = $1 AND id = $2`, a.table, id)
		if err != nil {
			return 0, classify(fmt.Errorf("db error: %w", err), true)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return 0, classify(err, true)
		}
		return int(ra), nil
	}

	var n int
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		matches, err := a.matching(ctx, tx, filter)
		if err != nil {
			return err
		}
		if len(matches) > 1 && !opts.Multi {
			return fmt.Errorf("%w: %d records match", common.ErrAmbiguousUpsert, len(matches))
		}
		for _, r := range matches {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE table_name = $1 AND id = $2`, a.table, r.ID()); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		n = len(matches)
		return nil
	})
	if err != nil {
		return 0, classify(err, true)
	}
	return n, nil
}

func (a *Adapter) ListTableNames(ctx context.Context, prefix string) ([]string, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM record_tables WHERE left(name, length($1)) = $1 ORDER BY name`, prefix)
	if err != nil {
		return nil, classify(fmt.Errorf("db error: %w", err), false)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (a *Adapter) Size(ctx context.Context) (int64, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(pg_column_size(data)), 0) FROM records WHERE table_name = $1`, a.table).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("db error: %w", err), false)
	}
	return n, nil
}

func (a *Adapter) Flush(ctx context.Context) error { return nil }

// Close detaches the adapter; the pool belongs to the registry.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.db = nil
	a.registered = false
	a.closed = true
	a.mu.Unlock()
	return nil
}

func classify(err error, write bool) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", common.ErrDuplicateKey, pgErr.Detail)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	return storage.ClassifyErr(err, write)
}

func encode(id string, doc models.Record) (string, int64, error) {
	cp := make(models.Record, len(doc)+1)
	for k, v := range doc {
		cp[k] = v
	}
	cp[common.FieldID] = id
	b, err := json.Marshal(cp)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	modified, _ := cp.Int64(common.FieldDateModified)
	return string(b), modified, nil
}

func decode(data []byte) (models.Record, error) {
	r := models.Record{}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}
