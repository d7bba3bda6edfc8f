package datastore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_OwnRecordRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	conf, err := m.Create(ctx, notes("alice"), "", map[string]any{"title": "x"}, WriteOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, conf.ID)
	assert.Equal(t, conf.DateCreated, conf.DateModified)
	assert.False(t, conf.UsageWarning)

	rec, err := m.ReadByID(ctx, notes("alice"), conf.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", rec["title"])
	assert.Equal(t, "alice", rec.Owner())
	assert.Equal(t, conf.ID, rec.ID())
}

func TestCreate_StripsReservedFields(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	c := &clock{now: time.UnixMilli(5_000)}
	m.now = c.Now
	ctx := context.Background()

	conf, err := m.Create(ctx, notes("alice"), "", models.Record{
		"_id":            "forged",
		"_owner":         "mallory",
		"_date_created":  1,
		"_date_modified": 2,
		"_accessible_by": map[string]any{"groups": []any{"public"}},
		"title":          "x",
	}, WriteOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, "forged", conf.ID)

	rec, err := m.ReadByID(ctx, notes("alice"), conf.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner())
	created, _ := rec.Int64(common.FieldDateCreated)
	modified, _ := rec.Int64(common.FieldDateModified)
	assert.Equal(t, int64(5_000), created)
	assert.Equal(t, int64(5_000), modified)
	assert.NotContains(t, rec, common.FieldAccessibleBy)

	c.Advance(time.Second)
	_, err = m.UpdateByID(ctx, notes("alice"), conf.ID, models.Record{
		"_owner":         "mallory",
		"_date_created":  1,
		"_accessible_by": map[string]any{"groups": []any{"public"}},
		"body":           "y",
	}, UpdateOptions{})
	require.NoError(t, err)

	rec, err = m.ReadByID(ctx, notes("alice"), conf.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner())
	created, _ = rec.Int64(common.FieldDateCreated)
	modified, _ = rec.Int64(common.FieldDateModified)
	assert.Equal(t, int64(5_000), created)
	assert.Equal(t, int64(6_000), modified)
	assert.NotContains(t, rec, common.FieldAccessibleBy)
	assert.Equal(t, "x", rec["title"])
	assert.Equal(t, "y", rec["body"])
}

func TestCreate_RestoreKeepsSuppliedFields(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	ab := map[string]any{"groups": []any{"public"}, "group_perms": map[string]any{"public": []any{"app.b/share"}}}
	conf, err := m.Create(ctx, notes("alice"), "", models.Record{
		"_id":            "r1",
		"_owner":         "mallory",
		"_date_created":  100,
		"_date_modified": 200,
		"_accessible_by": ab,
		"title":          "x",
	}, WriteOptions{RestoreRecord: true})
	require.NoError(t, err)
	assert.Equal(t, "r1", conf.ID)
	assert.Equal(t, int64(100), conf.DateCreated)
	assert.Equal(t, int64(200), conf.DateModified)

	rec, err := m.ReadByID(ctx, notes("alice"), "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner(), "owner always follows the table")
	assert.Equal(t, ab, rec[common.FieldAccessibleBy])
}

func TestCreate_SystemTableOwner(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	conf, err := m.Create(ctx, models.SystemTable("permissions"), "", map[string]any{"x": 1}, WriteOptions{Owner: "alice"})
	require.NoError(t, err)

	rec, err := m.ReadByID(ctx, models.SystemTable("permissions"), conf.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner())

	conf, err = m.Create(ctx, notes("bob"), "", map[string]any{"x": 1}, WriteOptions{Owner: "alice"})
	require.NoError(t, err)
	rec, err = m.ReadByID(ctx, notes("bob"), conf.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Owner(), "owner override only applies to system tables")
}

func TestCreate_RejectsNonObjects(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	for _, v := range []any{nil, "text", 42, []any{1, 2}} {
		_, err := m.Create(ctx, notes("alice"), "", v, WriteOptions{})
		assert.ErrorIs(t, err, common.ErrInvalidRecord, "%v", v)
	}
}

func TestCreate_ConfigErrors(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	_, err := m.Create(ctx, notes("nobody"), "", map[string]any{}, WriteOptions{})
	assert.ErrorIs(t, err, common.ErrUserNotConfigured)

	_, err = m.Create(ctx, notes("eve"), "", map[string]any{}, WriteOptions{})
	assert.ErrorIs(t, err, common.ErrUnsupportedBackend)

	_, err = m.Table(ctx, notes(""))
	assert.ErrorIs(t, err, common.ErrUserNotConfigured)
}

func TestCreate_ConcurrentDuplicateID(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Create(ctx, notes("alice"), "same", map[string]any{"n": i}, WriteOptions{})
		}()
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, common.ErrDuplicateKey):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
}

func TestCreate_IDFromFields(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()
	opts := WriteOptions{IDFromFields: []string{"url", "day"}}

	first, err := m.Create(ctx, notes("alice"), "", map[string]any{"url": "a", "day": 1, "n": 1}, opts)
	require.NoError(t, err)

	_, err = m.Create(ctx, notes("alice"), "", map[string]any{"url": "a", "day": 1, "n": 2}, opts)
	assert.ErrorIs(t, err, common.ErrDuplicateKey)

	other, err := m.Create(ctx, notes("alice"), "", map[string]any{"url": "a", "day": 2}, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = m.Create(ctx, notes("alice"), "", map[string]any{"url": "a"}, opts)
	assert.ErrorIs(t, err, common.ErrInvalidRecord)

	overwritten, err := m.Create(ctx, notes("alice"), "", map[string]any{"url": "a", "day": 1, "n": 3}, WriteOptions{IDFromFields: opts.IDFromFields, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, overwritten.ID)
}

func TestDeriveID_Deterministic(t *testing.T) {
	doc := models.Record{"a": "x", "b": 2}
	id1, err := DeriveID(notes("alice"), doc, []string{"a", "b"})
	require.NoError(t, err)
	id2, err := DeriveID(notes("bob"), doc, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same logical table")

	id3, err := DeriveID(models.TableRef{Owner: "alice", AppName: "other"}, doc, []string{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestUpdate_MergeModes(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()
	ref := notes("alice")

	a, err := m.Create(ctx, ref, "a", map[string]any{"title": "x", "tag": "t"}, WriteOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, ref, "b", map[string]any{"title": "y", "tag": "t"}, WriteOptions{})
	require.NoError(t, err)

	res, err := m.Update(ctx, ref, storage.Filter{"tag": "t"}, map[string]any{"seen": true}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)

	res, err = m.Update(ctx, ref, storage.Filter{"tag": "none"}, map[string]any{"seen": true}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)

	_, err = m.UpdateByID(ctx, ref, "missing", map[string]any{"seen": true}, UpdateOptions{})
	assert.ErrorIs(t, err, common.ErrorNotFound)

	rec, err := m.ReadByID(ctx, ref, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", rec["title"])
	assert.Equal(t, true, rec["seen"])
}

func TestUpdate_ReplaceAllFields(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	c := &clock{now: time.UnixMilli(1_000)}
	m.now = c.Now
	ctx := context.Background()
	ref := notes("alice")

	_, err := m.Create(ctx, ref, "a", map[string]any{"title": "x", "body": "old"}, WriteOptions{})
	require.NoError(t, err)

	c.Advance(time.Second)
	res, err := m.UpdateByID(ctx, ref, "a", map[string]any{"title": "z", "_owner": "mallory"}, UpdateOptions{ReplaceAllFields: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, int64(2_000), res.DateModified)

	rec, err := m.ReadByID(ctx, ref, "a")
	require.NoError(t, err)
	assert.Equal(t, "z", rec["title"])
	assert.NotContains(t, rec, "body")
	assert.Equal(t, "alice", rec.Owner())
	created, _ := rec.Int64(common.FieldDateCreated)
	assert.Equal(t, int64(1_000), created)

	// With the old record supplied no read happens; the id comes from it.
	_, err = m.Update(ctx, ref, storage.Filter{"title": "ignored"}, map[string]any{"title": "w"}, UpdateOptions{ReplaceAllFields: true, Old: rec})
	require.NoError(t, err)
	rec, err = m.ReadByID(ctx, ref, "a")
	require.NoError(t, err)
	assert.Equal(t, "w", rec["title"])

	_, err = m.UpdateByID(ctx, ref, "missing", map[string]any{"title": "q"}, UpdateOptions{ReplaceAllFields: true})
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = m.Create(ctx, ref, "b", map[string]any{"title": "w"}, WriteOptions{})
	require.NoError(t, err)
	_, err = m.Update(ctx, ref, storage.Filter{"title": "w"}, map[string]any{"title": "q"}, UpdateOptions{ReplaceAllFields: true})
	assert.ErrorIs(t, err, common.ErrAmbiguousUpsert)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()
	ref := notes("alice")

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, ref, id, map[string]any{"k": "v"}, WriteOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Delete(ctx, ref, "a"))
	assert.ErrorIs(t, m.Delete(ctx, ref, "a"), common.ErrorNotFound)

	n, err := m.DeleteMany(ctx, ref, storage.Filter{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := m.Query(ctx, ref, storage.Filter{}, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUpsert(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()
	ref := notes("alice")

	conf, err := m.Upsert(ctx, ref, storage.ByID("u1"), map[string]any{"n": 1}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "u1", conf.ID)
	assert.False(t, conf.Updated)

	conf2, err := m.Upsert(ctx, ref, storage.ByID("u1"), map[string]any{"m": 2}, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, conf2.Updated)
	assert.Equal(t, conf.DateCreated, conf2.DateCreated)

	rec, err := m.ReadByID(ctx, ref, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec["n"])
	assert.EqualValues(t, 2, rec["m"])

	_, err = m.Create(ctx, ref, "u2", map[string]any{"n": 1}, WriteOptions{})
	require.NoError(t, err)
	_, err = m.Upsert(ctx, ref, storage.Filter{"n": 1}, map[string]any{"z": 1}, WriteOptions{})
	assert.ErrorIs(t, err, common.ErrAmbiguousUpsert)

	created, err := m.Upsert(ctx, ref, storage.Filter{"n": 9}, map[string]any{"n": 9}, WriteOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestQuota_BlocksWritesOverLimit(t *testing.T) {
	m, _ := newTestManager(t, Options{QuotaRecalcWrites: 2}, 1_000)
	src := &fakeUsage{}
	src.bytes.Store(100)
	m.AddUsageSource(src)
	ctx := context.Background()
	ref := notes("alice")

	_, err := m.Create(ctx, ref, "a", map[string]any{"n": 1}, WriteOptions{})
	require.NoError(t, err)

	// The cached figure holds until QuotaRecalcWrites writes happened.
	src.bytes.Store(5_000)
	_, err = m.Create(ctx, ref, "b", map[string]any{"n": 2}, WriteOptions{})
	require.NoError(t, err)

	_, err = m.Create(ctx, ref, "c", map[string]any{"n": 3}, WriteOptions{})
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)
	_, err = m.UpdateByID(ctx, ref, "a", map[string]any{"n": 4}, UpdateOptions{})
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	recs, err := m.Query(ctx, ref, storage.Filter{}, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	rec, err := m.ReadByID(ctx, ref, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec["n"], "rejected update left the record unchanged")
}

func TestQuota_RecalculatesByAge(t *testing.T) {
	m, _ := newTestManager(t, Options{QuotaRecalcInterval: time.Minute}, 1_000)
	c := &clock{now: time.Unix(0, 0)}
	m.now = c.Now
	src := &fakeUsage{}
	m.AddUsageSource(src)
	ctx := context.Background()

	_, err := m.CheckQuota(ctx, "alice")
	require.NoError(t, err)

	src.bytes.Store(5_000)
	_, err = m.CheckQuota(ctx, "alice")
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = m.CheckQuota(ctx, "alice")
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)
}

func TestQuota_Warning(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 10_000)
	src := &fakeUsage{}
	src.bytes.Store(9_500)
	m.AddUsageSource(src)

	conf, err := m.Create(context.Background(), notes("alice"), "", map[string]any{"n": 1}, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, conf.UsageWarning)
}

func TestUsage_SumsTablesAndReportsFailures(t *testing.T) {
	m, _ := newTestManager(t, Options{}, 0)
	ctx := context.Background()

	_, err := m.Create(ctx, notes("alice"), "", map[string]any{"title": "x"}, WriteOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, models.TableRef{Owner: "alice", AppName: "com.notes"}, "", map[string]any{"title": "y"}, WriteOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, models.TableRef{Owner: "alice", AppName: "org.other", Collection: "c"}, "", map[string]any{"k": 1}, WriteOptions{})
	require.NoError(t, err)

	names, err := m.ListTables(ctx, "alice", "com.notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice__com_notes", "alice__com_notes_notes"}, names)

	src := &fakeUsage{err: assert.AnError}
	m.AddUsageSource(src)

	u, err := m.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, u.Tables, 3)
	assert.Positive(t, u.Bytes)
	require.Len(t, u.Flags.Warnings, 1)
	assert.Contains(t, u.Flags.Warnings[0], "extra storage")
}
