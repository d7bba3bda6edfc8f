// Package storagetest holds the behavioral checks every storage.Adapter must
// pass. Backend packages run them from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an initialized adapter for table. Adapters created for
// different tables by the same factory must share a backend so that
// ListTableNames can see them.
type Factory func(t *testing.T, table string) storage.Adapter

// Run executes the conformance suite.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, newAdapter) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newAdapter) })
	t.Run("ConcurrentDuplicate", func(t *testing.T) { testConcurrentDuplicate(t, newAdapter) })
	t.Run("QueryDefaults", func(t *testing.T) { testQueryDefaults(t, newAdapter) })
	t.Run("UpdateMerges", func(t *testing.T) { testUpdateMerges(t, newAdapter) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, newAdapter) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newAdapter) })
	t.Run("ListTableNames", func(t *testing.T) { testListTableNames(t, newAdapter) })
	t.Run("CopySemantics", func(t *testing.T) { testCopySemantics(t, newAdapter) })
}

func testCreateAndRead(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__notes")
	require.NoError(t, a.Initialize(ctx), "initialize is idempotent")

	id, err := a.Create(ctx, "", models.Record{"title": "x", "_date_modified": int64(5)}, storage.CreateOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := a.ReadByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "x", got["title"])
	assert.Equal(t, id, got.ID())

	_, err = a.ReadByID(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	size, err := a.Size(ctx)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func testDuplicateKey(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__dup")

	_, err := a.Create(ctx, "r1", models.Record{"v": 1}, storage.CreateOptions{})
	require.NoError(t, err)
	_, err = a.Create(ctx, "r1", models.Record{"v": 2}, storage.CreateOptions{})
	assert.ErrorIs(t, err, common.ErrDuplicateKey)

	_, err = a.Create(ctx, "r1", models.Record{"v": 3}, storage.CreateOptions{Overwrite: true})
	require.NoError(t, err)
	got, err := a.ReadByID(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got["v"])
}

func testConcurrentDuplicate(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__race")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Create(ctx, "same", models.Record{"writer": i}, storage.CreateOptions{})
		}(i)
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

func testQueryDefaults(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__many")
	for i := 0; i < 105; i++ {
		_, err := a.Create(ctx, fmt.Sprintf("r%03d", i), models.Record{"n": i, "even": i%2 == 0, "_date_modified": int64(i)}, storage.CreateOptions{})
		require.NoError(t, err)
	}

	all, err := a.Query(ctx, storage.Filter{}, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all, storage.DefaultLimit)
	assert.Equal(t, "r104", all[0].ID(), "newest first")

	page, err := a.Query(ctx, storage.Filter{"even": true, "n": map[string]any{"$lt": 10}},
		storage.QueryOptions{Sort: []storage.SortField{{Field: "n"}}, Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r002", page[0].ID())
	assert.Equal(t, "r004", page[1].ID())

	byID, err := a.Query(ctx, storage.ByID("r007"), storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.EqualValues(t, 7, byID[0]["n"])
}

func testUpdateMerges(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__upd")
	for _, id := range []string{"a", "b", "c"} {
		_, err := a.Create(ctx, id, models.Record{"title": id, "group": "g", "keep": true}, storage.CreateOptions{})
		require.NoError(t, err)
	}

	n, err := a.UpdateMany(ctx, storage.Filter{"title": map[string]any{"$in": []any{"a", "b"}}}, models.Record{"group": "h", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := a.ReadByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "h", got["group"])
	assert.Equal(t, true, got["keep"])
	assert.EqualValues(t, 1, got["extra"])

	untouched, err := a.ReadByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "g", untouched["group"])

	n, err = a.UpdateMany(ctx, storage.ByID("zzz"), models.Record{"x": 1})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testReplace(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__repl")
	_, err := a.Create(ctx, "r1", models.Record{"a": 1, "b": 2}, storage.CreateOptions{})
	require.NoError(t, err)

	n, err := a.ReplaceByID(ctx, "r1", models.Record{"c": 3})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := a.ReadByID(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	assert.EqualValues(t, 3, got["c"])
	assert.Equal(t, "r1", got.ID())

	n, err = a.ReplaceByID(ctx, "missing", models.Record{"c": 3})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDelete(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__del")
	for _, id := range []string{"a", "b", "c"} {
		_, err := a.Create(ctx, id, models.Record{"kind": "k"}, storage.CreateOptions{})
		require.NoError(t, err)
	}

	_, err := a.DeleteMany(ctx, storage.Filter{"kind": "k"}, storage.DeleteOptions{})
	assert.Error(t, err, "single delete matching many must fail")
	left, err := a.Query(ctx, storage.Filter{}, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, left, 3)

	n, err := a.DeleteMany(ctx, storage.ByID("a"), storage.DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.DeleteMany(ctx, storage.Filter{"kind": "k"}, storage.DeleteOptions{Multi: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testListTableNames(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	for _, name := range []string{"carol__app_one", "carol__app_two", "dave__app_one"} {
		a := newAdapter(t, name)
		_, err := a.Create(ctx, "", models.Record{"x": 1}, storage.CreateOptions{})
		require.NoError(t, err)
	}

	a := newAdapter(t, "carol__app_one")
	names, err := a.ListTableNames(ctx, "carol__")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol__app_one", "carol__app_two"}, names)
}

func testCopySemantics(t *testing.T, newAdapter Factory) {
	ctx := context.Background()
	a := newAdapter(t, "alice__copy")
	doc := models.Record{"nested": map[string]any{"k": "v"}}
	_, err := a.Create(ctx, "r1", doc, storage.CreateOptions{})
	require.NoError(t, err)
	doc["nested"].(map[string]any)["k"] = "changed"

	got, err := a.ReadByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "v", got["nested"].(map[string]any)["k"])

	got["nested"].(map[string]any)["k"] = "again"
	again, err := a.ReadByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "v", again["nested"].(map[string]any)["k"])
}
