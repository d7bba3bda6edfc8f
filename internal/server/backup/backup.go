// Package backup exports an owner's app collections into one document and
// restores such documents, keeping ids and timestamps.
package backup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// Schemas resolves app manifests for the export header.
type Schemas interface {
	App(name string) (*models.AppConfig, bool)
}

type Service struct {
	ds      *datastore.Manager
	schemas Schemas
	log     logging.Logger
}

func NewService(ds *datastore.Manager, schemas Schemas, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{ds: ds, schemas: schemas, log: log.With("module", "backup")}
}

// Collections lists the collections the owner has stored for app. The
// app's main table is reported as "".
func (s *Service) Collections(ctx context.Context, owner, app string) ([]string, error) {
	names, err := s.ds.ListTables(ctx, owner, app)
	if err != nil {
		return nil, err
	}
	base := models.TableRef{Owner: owner, AppName: app}.Name()
	var out []string
	for _, n := range names {
		switch {
		case n == base:
			out = append(out, "")
		case strings.HasPrefix(n, base+"_"):
			out = append(out, strings.TrimPrefix(n, base+"_"))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Export reads the named collections, or all of them when none are given,
// oldest change first.
func (s *Service) Export(ctx context.Context, owner, app string, collections []string) (*models.Export, error) {
	all, err := s.Collections(ctx, owner, app)
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		collections = all
	}

	exp := &models.Export{Meta: models.ExportMeta{
		User:               owner,
		AppName:            app,
		Date:               models.NowMillis(),
		AllCollectionNames: all,
	}}
	if s.schemas != nil {
		if cfg, ok := s.schemas.App(app); ok {
			exp.Meta.AppConfig = cfg
		}
	}

	for _, name := range collections {
		ref := models.TableRef{Owner: owner, AppName: app, Collection: name}
		recs, err := s.ds.Query(ctx, ref, nil, storage.QueryOptions{
			Sort:  []storage.SortField{{Field: common.FieldDateModified}},
			Limit: storage.Unlimited,
		})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", ref.AppTableName(), err)
		}
		c := models.ExportCollection{Name: name, Data: recs}
		for _, r := range recs {
			m, _ := r.Int64(common.FieldDateModified)
			if c.FirstRetrievedDate == 0 || m < c.FirstRetrievedDate {
				c.FirstRetrievedDate = m
			}
			c.LastRetrievedDate = max(c.LastRetrievedDate, m)
		}
		exp.Collections = append(exp.Collections, c)
	}
	s.log.Info(ctx, "exported", "owner", owner, "app", app, "collections", len(exp.Collections))
	return exp, nil
}

// Import restores exp into owner's tables of the exported app. Existing
// records are kept unless overwrite is set; per-record failures are
// reported in the flags and do not stop the import.
func (s *Service) Import(ctx context.Context, owner string, exp *models.Export, overwrite bool) (*flags.Flags, error) {
	if exp == nil || exp.Meta.AppName == "" {
		return nil, fmt.Errorf("%w: export has no app", common.ErrInvalidRecord)
	}
	f := flags.New()
	if exp.Meta.User != "" && exp.Meta.User != owner {
		f.Warn("records exported by %s restored for %s", exp.Meta.User, owner)
	}

	for _, c := range exp.Collections {
		ref := models.TableRef{Owner: owner, AppName: exp.Meta.AppName, Collection: c.Name}
		restored := 0
		for _, r := range c.Data {
			rec, err := r.Clone()
			if err != nil {
				f.Error(ref.AppTableName()+"/"+r.ID(), err)
				continue
			}
			delete(rec, common.FieldOwner)
			_, err = s.ds.Create(ctx, ref, rec.ID(), rec, datastore.WriteOptions{RestoreRecord: true, Overwrite: overwrite})
			switch {
			case err == nil:
				restored++
			case errors.Is(err, common.ErrConnectionFailed), errors.Is(err, common.ErrUserNotConfigured), errors.Is(err, common.ErrQuotaExceeded):
				return f, err
			default:
				f.Error(ref.AppTableName()+"/"+rec.ID(), err)
			}
		}
		f.Note("%s: %d of %d records restored", ref.AppTableName(), restored, len(c.Data))
	}
	return f, nil
}
