// Package sqlite stores every table of an owner in one embedded SQLite file
// as JSON documents keyed by (table_name, id).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/dbx"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Kind is the backend tag.
const Kind = "sqlite"

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate is a seam for testing the goose provider.
var migrate = func(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

// Open opens the database at path and applies migrations. SQLite allows one
// writer, so the pool is limited to a single connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
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

// Register adds the sqlite backend to reg. The "path" param is a file path
// or a modernc DSN such as "file:x?mode=memory&cache=shared".
func Register(reg *storage.Registry) {
	reg.Register(Kind, func(ctx context.Context, r *storage.Registry, p models.BackendParams, table string) (storage.Adapter, error) {
		path := p.Param("path", "")
		return &Adapter{
			table: table,
			open: func(ctx context.Context) (*sql.DB, error) {
				res, err := r.Shared(Kind+":"+path, func() (io.Closer, error) {
					return Open(ctx, path)
				})
				if err != nil {
					return nil, err
				}
				return res.(*sql.DB), nil
			},
		}, nil
	}, func(p models.BackendParams) error {
		if p.Param("path", "") == "" {
			return errors.New("path is required")
		}
		return nil
	})
}

// Adapter is one table inside a SQLite database.
type Adapter struct {
	table string
	open  func(ctx context.Context) (*sql.DB, error)

	mu         sync.Mutex
	db         *sql.DB
	registered bool
	closed     bool
}

// New binds an adapter to an already opened database.
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
	if _, err := db.ExecContext(ctx, `INSERT INTO record_tables (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, a.table); err != nil {
		return storage.ClassifyErr(err, true)
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
			return nil, storage.ClassifyErr(err, false)
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

	query := `INSERT INTO records (table_name, id, data, date_modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO NOTHING`
	if opts.Overwrite {
		query = `INSERT INTO records (table_name, id, data, date_modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data, date_modified = excluded.date_modified`
	}
	res, err := db.ExecContext(ctx, query, a.table, id, data, modified)
	if err != nil {
		return "", storage.ClassifyErr(fmt.Errorf("insert record: %w", err), true)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return "", storage.ClassifyErr(err, true)
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
	var data string
	err = db.QueryRowContext(ctx, `SELECT data FROM records WHERE table_name = ? AND id = ?`, a.table, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, storage.ClassifyErr(err, false)
	}
	return decode(data)
}

func (a *Adapter) Query(ctx context.Context, filter storage.Filter, opts storage.QueryOptions) ([]models.Record, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := a.selectRows(ctx, db, filter)
	if err != nil {
		return nil, storage.ClassifyErr(err, false)
	}
	return storage.Select(recs, filter, opts)
}

// selectRows loads the candidates for filter, narrowing by id when the
// filter names one.
func (a *Adapter) selectRows(ctx context.Context, q dbx.DBTX, filter storage.Filter) ([]models.Record, error) {
	query := `SELECT data FROM records WHERE table_name = ?`
	args := []any{a.table}
	if id, ok := filter[common.FieldID].(string); ok {
		query += ` AND id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY date_modified DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var data string
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
	recs, err := a.selectRows(ctx, tx, filter)
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
	var n int
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		matches, err := a.matching(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, r := range matches {
			if err := a.write(ctx, tx, r.ID(), storage.Merge(r, partial)); err != nil {
				return err
			}
		}
		n = len(matches)
		return nil
	})
	if err != nil {
		return 0, storage.ClassifyErr(err, true)
	}
	return n, nil
}

func (a *Adapter) write(ctx context.Context, tx dbx.DBTX, id string, doc models.Record) error {
	data, modified, err := encode(id, doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE records SET data = ?, date_modified = ? WHERE table_name = ? AND id = ?`,
		data, modified, a.table, id)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
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
	res, err := db.ExecContext(ctx, `UPDATE records SET data = ?, date_modified = ? WHERE table_name = ? AND id = ?`,
		data, modified, a.table, id)
	if err != nil {
		return 0, storage.ClassifyErr(fmt.Errorf("replace record: %w", err), true)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, storage.ClassifyErr(err, true)
	}
	return int(ra), nil
}

func (a *Adapter) DeleteMany(ctx context.Context, filter storage.Filter, opts storage.DeleteOptions) (int, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return 0, err
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
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND id = ?`, a.table, r.ID()); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}
		n = len(matches)
		return nil
	})
	if err != nil {
		return 0, storage.ClassifyErr(err, true)
	}
	return n, nil
}

func (a *Adapter) ListTableNames(ctx context.Context, prefix string) ([]string, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM record_tables ORDER BY name`)
	if err != nil {
		return nil, storage.ClassifyErr(err, false)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// LIKE would treat the "_" separators as wildcards.
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
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
		`SELECT COALESCE(SUM(length(id) + length(data)), 0) FROM records WHERE table_name = ?`, a.table).Scan(&n)
	if err != nil {
		return 0, storage.ClassifyErr(err, false)
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
