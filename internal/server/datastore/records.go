package datastore

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
)

// WriteOptions tune Create and Upsert.
type WriteOptions struct {
	// RestoreRecord keeps caller-supplied reserved fields (_id, timestamps,
	// _accessible_by). Used by imports and by the sharing index.
	RestoreRecord bool
	// Overwrite replaces an existing record with the same id instead of
	// failing with common.ErrDuplicateKey.
	Overwrite bool
	// IDFromFields derives the id from these fields' values.
	IDFromFields []string
	// Owner sets _owner on system tables, whose rows belong to the users
	// they describe. Ignored on user tables.
	Owner string
}

// UpdateOptions tune Update.
type UpdateOptions struct {
	// ReplaceAllFields replaces the whole document instead of merging.
	ReplaceAllFields bool
	// Old is the current record for ReplaceAllFields; it saves a read.
	Old           models.Record
	RestoreRecord bool
	// SkipQuota lets bookkeeping rewrites, such as _accessible_by edits,
	// through for an owner over the storage limit.
	SkipQuota bool
}

// Confirmation is returned by successful creates and upserts.
type Confirmation struct {
	ID           string `json:"_id"`
	DateCreated  int64  `json:"_date_created"`
	DateModified int64  `json:"_date_modified"`
	UsageWarning bool   `json:"usageWarning,omitempty"`
	Updated      bool   `json:"updated,omitempty"`
}

// UpdateResult reports how many records an update touched.
type UpdateResult struct {
	Matched      int    `json:"nModified"`
	ID           string `json:"_id,omitempty"`
	DateModified int64  `json:"_date_modified"`
	UsageWarning bool   `json:"usageWarning,omitempty"`
}

// ownerFor picks the _owner stamped on a new record of ref.
func ownerFor(ref models.TableRef, rec models.Record, opts WriteOptions) string {
	if ref.Owner != common.SystemOwner {
		return ref.Owner
	}
	if opts.Owner != "" {
		return opts.Owner
	}
	if opts.RestoreRecord && rec.Owner() != "" {
		return rec.Owner()
	}
	return ref.Owner
}

// Create stores entity as a new record of ref. Reserved fields are replaced
// by store-assigned values unless opts.RestoreRecord is set. id may be empty
// to let the backend or opts.IDFromFields choose one.
func (m *Manager) Create(ctx context.Context, ref models.TableRef, id string, entity any, opts WriteOptions) (*Confirmation, error) {
	warn, err := m.CheckQuota(ctx, ref.Owner)
	if err != nil {
		return nil, err
	}

	rec, err := models.ToRecord(entity)
	if err != nil {
		return nil, err
	}

	doc := rec.WithoutReserved()
	now := m.now().UnixMilli()
	created, modified := now, now
	if opts.RestoreRecord {
		if id == "" {
			id = rec.ID()
		}
		if v, ok := rec.Int64(common.FieldDateCreated); ok {
			created = v
		}
		if v, ok := rec.Int64(common.FieldDateModified); ok {
			modified = v
		}
		if ab, ok := rec[common.FieldAccessibleBy]; ok {
			doc[common.FieldAccessibleBy] = ab
		}
	}
	if id == "" && len(opts.IDFromFields) > 0 {
		if id, err = DeriveID(ref, doc, opts.IDFromFields); err != nil {
			return nil, err
		}
	}
	doc[common.FieldOwner] = ownerFor(ref, rec, opts)
	doc[common.FieldDateCreated] = created
	doc[common.FieldDateModified] = modified

	err = m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		newID, err := h.adapter.Create(ctx, id, doc, storage.CreateOptions{Overwrite: opts.Overwrite})
		if err != nil {
			return err
		}
		id = newID
		m.afterWrite(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Confirmation{ID: id, DateCreated: created, DateModified: modified, UsageWarning: warn}, nil
}

// ReadByID returns the record or common.ErrorNotFound.
func (m *Manager) ReadByID(ctx context.Context, ref models.TableRef, id string) (models.Record, error) {
	var rec models.Record
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		r, err := h.adapter.ReadByID(ctx, id)
		rec = r
		return err
	})
	return rec, err
}

// Query returns the records matching filter. A zero Limit applies
// storage.DefaultLimit and an empty Sort orders newest first.
func (m *Manager) Query(ctx context.Context, ref models.TableRef, filter storage.Filter, opts storage.QueryOptions) ([]models.Record, error) {
	var out []models.Record
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		recs, err := h.adapter.Query(ctx, filter, opts)
		out = recs
		return err
	})
	return out, err
}

// Update merges partial into every record matching target or, with
// ReplaceAllFields, replaces the single matching record. An id target
// that matches nothing fails with common.ErrorNotFound.
func (m *Manager) Update(ctx context.Context, ref models.TableRef, target storage.Filter, partial any, opts UpdateOptions) (*UpdateResult, error) {
	var warn bool
	if !opts.SkipQuota {
		var err error
		if warn, err = m.CheckQuota(ctx, ref.Owner); err != nil {
			return nil, err
		}
	}
	rec, err := models.ToRecord(partial)
	if err != nil {
		return nil, err
	}

	var res *UpdateResult
	if opts.ReplaceAllFields {
		res, err = m.replace(ctx, ref, target, rec, opts)
	} else {
		res, err = m.merge(ctx, ref, target, rec, opts)
	}
	if err != nil {
		return nil, err
	}
	res.UsageWarning = warn
	return res, nil
}

func (m *Manager) merge(ctx context.Context, ref models.TableRef, target storage.Filter, rec models.Record, opts UpdateOptions) (*UpdateResult, error) {
	patch := rec.WithoutReserved()
	modified := m.now().UnixMilli()
	if opts.RestoreRecord {
		if v, ok := rec.Int64(common.FieldDateModified); ok {
			modified = v
		}
		if ab, ok := rec[common.FieldAccessibleBy]; ok {
			patch[common.FieldAccessibleBy] = ab
		}
	}
	patch[common.FieldDateModified] = modified

	var n int
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		var err error
		n, err = h.adapter.UpdateMany(ctx, target, patch)
		if err == nil && n > 0 {
			m.afterWrite(h)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	id, byID := target.IDOnly()
	if byID && n == 0 {
		return nil, fmt.Errorf("%w: %s in %s", common.ErrorNotFound, id, ref.Name())
	}
	return &UpdateResult{Matched: n, ID: id, DateModified: modified}, nil
}

// replace reads the current record unless the caller supplied it and
// writes the new document with the old identity fields. Nothing guards the
// gap between the read and the write: a concurrent update in between is
// overwritten.
func (m *Manager) replace(ctx context.Context, ref models.TableRef, target storage.Filter, rec models.Record, opts UpdateOptions) (*UpdateResult, error) {
	old := opts.Old
	if old == nil {
		recs, err := m.Query(ctx, ref, target, storage.QueryOptions{Limit: 2})
		if err != nil {
			return nil, err
		}
		switch len(recs) {
		case 0:
			return nil, fmt.Errorf("%w: no record to replace in %s", common.ErrorNotFound, ref.Name())
		case 1:
			old = recs[0]
		default:
			return nil, fmt.Errorf("%w: replace in %s", common.ErrAmbiguousUpsert, ref.Name())
		}
	}
	id := old.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: existing record has no _id", common.ErrInvalidRecord)
	}

	doc := rec.WithoutReserved()
	modified := m.now().UnixMilli()
	for _, f := range []string{common.FieldOwner, common.FieldDateCreated, common.FieldAccessibleBy} {
		if v, ok := old[f]; ok {
			doc[f] = v
		}
	}
	if opts.RestoreRecord {
		if v, ok := rec.Int64(common.FieldDateModified); ok {
			modified = v
		}
		if ab, ok := rec[common.FieldAccessibleBy]; ok {
			doc[common.FieldAccessibleBy] = ab
		}
	}
	doc[common.FieldDateModified] = modified

	var n int
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		var err error
		n, err = h.adapter.ReplaceByID(ctx, id, doc)
		if err == nil && n > 0 {
			m.afterWrite(h)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s in %s", common.ErrorNotFound, id, ref.Name())
	}
	return &UpdateResult{Matched: n, ID: id, DateModified: modified}, nil
}

// UpdateByID is Update with an id target.
func (m *Manager) UpdateByID(ctx context.Context, ref models.TableRef, id string, partial any, opts UpdateOptions) (*UpdateResult, error) {
	return m.Update(ctx, ref, storage.ByID(id), partial, opts)
}

// Delete removes exactly one record or fails with common.ErrorNotFound.
func (m *Manager) Delete(ctx context.Context, ref models.TableRef, id string) error {
	var n int
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		var err error
		n, err = h.adapter.DeleteMany(ctx, storage.ByID(id), storage.DeleteOptions{})
		if err == nil && n > 0 {
			m.afterWrite(h)
		}
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s in %s", common.ErrorNotFound, id, ref.Name())
	}
	return nil
}

// DeleteMany removes every record matching filter and returns the count.
func (m *Manager) DeleteMany(ctx context.Context, ref models.TableRef, filter storage.Filter) (int, error) {
	var n int
	err := m.with(ctx, ref, func(ctx context.Context, h *Handle) error {
		var err error
		n, err = h.adapter.DeleteMany(ctx, filter, storage.DeleteOptions{Multi: true})
		if err == nil && n > 0 {
			m.afterWrite(h)
		}
		return err
	})
	return n, err
}

// Upsert creates entity when nothing matches target and merges it into the
// single match otherwise. More than one match fails with
// common.ErrAmbiguousUpsert and changes nothing.
func (m *Manager) Upsert(ctx context.Context, ref models.TableRef, target storage.Filter, entity any, opts WriteOptions) (*Confirmation, error) {
	existing, err := m.Query(ctx, ref, target, storage.QueryOptions{Limit: 2})
	if err != nil {
		return nil, err
	}

	switch len(existing) {
	case 0:
		id, _ := target.IDOnly()
		return m.Create(ctx, ref, id, entity, opts)
	case 1:
		old := existing[0]
		res, err := m.Update(ctx, ref, storage.ByID(old.ID()), entity, UpdateOptions{RestoreRecord: opts.RestoreRecord})
		if err != nil {
			return nil, err
		}
		created, _ := old.Int64(common.FieldDateCreated)
		return &Confirmation{
			ID:           old.ID(),
			DateCreated:  created,
			DateModified: res.DateModified,
			UsageWarning: res.UsageWarning,
			Updated:      true,
		}, nil
	default:
		m.log.Warn(ctx, "upsert target matches more than one record", "table", ref.Name(), "matches", len(existing))
		return nil, fmt.Errorf("%w: upsert in %s", common.ErrAmbiguousUpsert, ref.Name())
	}
}
