// Package s3 keeps each table as one JSON object in a bucket. The object is
// loaded into an in-memory table on Initialize, operations are served from
// memory and Flush writes the object back. The Data Store Manager schedules
// flushes through the storage.Buffered interface.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/memory"
)

// Kind is the backend tag.
const Kind = "s3"

// legacyMarker prefixes table objects written in the old layout. They are
// renamed on first access.
const legacyMarker = "~"

const objectSuffix = ".json"

// newObjectAPI is a seam for tests.
var newObjectAPI = func(ctx context.Context, p models.BackendParams) (ObjectAPI, error) {
	return NewClient(ctx, p)
}

// Register adds the s3 backend to reg. "bucket" is required; "prefix" is an
// optional key prefix. Clients are shared per endpoint, bucket and key.
func Register(reg *storage.Registry) {
	reg.Register(Kind, func(ctx context.Context, r *storage.Registry, p models.BackendParams, table string) (storage.Adapter, error) {
		key := strings.Join([]string{Kind, p.Param("endpoint", ""), p.Param("region", ""), p.Param("bucket", ""), p.Param("access_key", "")}, "|")
		res, err := r.Shared(key, func() (io.Closer, error) {
			api, err := newObjectAPI(ctx, p)
			if err != nil {
				return nil, err
			}
			return storage.NopCloser{Value: api}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
		}
		a := New(res.(storage.NopCloser).Value.(ObjectAPI), p.Param("bucket", ""), p.Param("prefix", ""), table)
		a.log = r.Logger().With("backend", Kind, "table", table)
		return a, nil
	}, func(p models.BackendParams) error {
		if p.Param("bucket", "") == "" {
			return errors.New("bucket is required")
		}
		return nil
	})
}

// Adapter serves one table object from an in-memory copy.
type Adapter struct {
	api    ObjectAPI
	bucket string
	prefix string
	table  string
	log    logging.Logger

	mem *memory.Adapter

	// flushMu keeps snapshot and PUT of one flush together, so an older
	// snapshot never lands after a newer one.
	flushMu sync.Mutex

	mu     sync.Mutex
	loaded bool
	gen    uint64
	saved  uint64
}

func New(api ObjectAPI, bucket, prefix, table string) *Adapter {
	return &Adapter{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		table:  table,
		log:    logging.Nop(),
		mem:    memory.New(memory.NewStore(), table),
	}
}

func (a *Adapter) objectKey(name string) string {
	if a.prefix == "" {
		return name + objectSuffix
	}
	return path.Join(a.prefix, name+objectSuffix)
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}

	recs, err := a.fetch(ctx, a.objectKey(a.table))
	switch {
	case err == nil:
	case IsNotFound(err):
		recs, err = a.migrateLegacy(ctx)
		if err != nil {
			return err
		}
	default:
		return classify(err, false)
	}

	if err := a.mem.Load(recs); err != nil {
		return err
	}
	if recs == nil {
		// New tables are written at once so ListTableNames sees them.
		if err := a.put(ctx, []models.Record{}); err != nil {
			return err
		}
	}
	a.loaded = true
	return nil
}

// migrateLegacy renames a "~<table>.json" object to the current key.
// It returns nil records when neither object exists.
func (a *Adapter) migrateLegacy(ctx context.Context) ([]models.Record, error) {
	legacy := a.objectKey(legacyMarker + a.table)
	recs, err := a.fetch(ctx, legacy)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, classify(err, false)
	}
	if recs == nil {
		recs = []models.Record{}
	}

	_, err = a.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		CopySource: aws.String(a.bucket + "/" + legacy),
		Key:        aws.String(a.objectKey(a.table)),
	})
	if err != nil {
		return nil, classify(err, true)
	}
	if _, err := a.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(legacy),
	}); err != nil {
		a.log.Warn(ctx, "legacy table object not removed", "key", legacy, "error", err)
	}
	a.log.Info(ctx, "legacy table object renamed", "from", legacy)
	return recs, nil
}

func (a *Adapter) fetch(ctx context.Context, key string) ([]models.Record, error) {
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	recs := []models.Record{}
	if len(bytes.TrimSpace(b)) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return recs, nil
}

func (a *Adapter) put(ctx context.Context, recs []models.Record) error {
	b, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey(a.table)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classify(err, true)
	}
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		return fmt.Errorf("%w: table %s not initialized", common.ErrConnectionFailed, a.table)
	}
	return nil
}

func (a *Adapter) touch(changed int) {
	if changed == 0 {
		return
	}
	a.mu.Lock()
	a.gen++
	a.mu.Unlock()
}

// Dirty reports whether writes are waiting for Flush.
func (a *Adapter) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen != a.saved
}

func (a *Adapter) Create(ctx context.Context, id string, doc models.Record, opts storage.CreateOptions) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	id, err := a.mem.Create(ctx, id, doc, opts)
	if err != nil {
		return "", err
	}
	a.touch(1)
	return id, nil
}

func (a *Adapter) ReadByID(ctx context.Context, id string) (models.Record, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.mem.ReadByID(ctx, id)
}

func (a *Adapter) Query(ctx context.Context, filter storage.Filter, opts storage.QueryOptions) ([]models.Record, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.mem.Query(ctx, filter, opts)
}

func (a *Adapter) UpdateMany(ctx context.Context, filter storage.Filter, partial models.Record) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	n, err := a.mem.UpdateMany(ctx, filter, partial)
	a.touch(n)
	return n, err
}

func (a *Adapter) ReplaceByID(ctx context.Context, id string, doc models.Record) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	n, err := a.mem.ReplaceByID(ctx, id, doc)
	a.touch(n)
	return n, err
}

func (a *Adapter) DeleteMany(ctx context.Context, filter storage.Filter, opts storage.DeleteOptions) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	n, err := a.mem.DeleteMany(ctx, filter, opts)
	a.touch(n)
	return n, err
}

// ListTableNames lists table objects under the key prefix. Legacy objects are
// reported under their current name.
func (a *Adapter) ListTableNames(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if a.prefix != "" {
		dir = a.prefix + "/"
	}

	seen := map[string]bool{}
	for _, p := range []string{dir + prefix, dir + legacyMarker + prefix} {
		pager := s3.NewListObjectsV2Paginator(a.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(a.bucket),
			Prefix: aws.String(p),
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, classify(err, false)
			}
			for _, obj := range page.Contents {
				name := strings.TrimPrefix(aws.ToString(obj.Key), dir)
				if !strings.HasSuffix(name, objectSuffix) || strings.Contains(name, "/") {
					continue
				}
				name = strings.TrimPrefix(strings.TrimSuffix(name, objectSuffix), legacyMarker)
				seen[name] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (a *Adapter) Size(ctx context.Context) (int64, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	return a.mem.Size(ctx)
}

// Flush writes the table object when there are unsaved writes. Writes that
// land while the object is uploading keep the table dirty.
func (a *Adapter) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if !a.loaded || a.gen == a.saved {
		a.mu.Unlock()
		return nil
	}
	gen := a.gen
	a.mu.Unlock()

	recs, err := a.mem.Snapshot()
	if err != nil {
		return err
	}
	storage.SortRecords(recs, []storage.SortField{{Field: common.FieldID}})
	if err := a.put(ctx, recs); err != nil {
		return err
	}

	a.mu.Lock()
	if gen > a.saved {
		a.saved = gen
	}
	a.mu.Unlock()
	return nil
}

// Close flushes pending writes. A later Initialize reloads the object.
func (a *Adapter) Close() error {
	err := a.Flush(context.Background())
	a.mu.Lock()
	a.loaded = false
	a.mu.Unlock()
	return err
}

func classify(err error, write bool) error {
	if IsNotFound(err) {
		return fmt.Errorf("%w: %v", common.ErrorNotFound, err)
	}
	return storage.ClassifyErr(err, write)
}

var _ storage.Buffered = (*Adapter)(nil)
