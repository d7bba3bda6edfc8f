package permissions

import (
	"context"
	"sync"
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSchemas map[string]*models.AppConfig

func (f fakeSchemas) App(name string) (*models.AppConfig, bool) {
	a, ok := f[name]
	return a, ok
}

type revokeCall struct{ owner, requestor, requestee, name string }

type fakeRevoker struct {
	mu    sync.Mutex
	calls []revokeCall
}

func (f *fakeRevoker) BulkRevokeByPermission(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*flags.Flags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, revokeCall{owner, requestorApp, requesteeApp, name})
	fl := flags.New()
	fl.Note("revoked")
	return fl, nil
}

func notesApp(returnFields ...string) *models.AppConfig {
	return &models.AppConfig{
		AppName: "com.notes",
		Permissions: map[string]models.PermissionAttrs{
			"readNotes": {
				Type:           models.DBQuery,
				RequestorApp:   "app.b",
				Collection:     "notes",
				SharableGroups: []string{common.ScopeLoggedIn},
				ReturnFields:   returnFields,
			},
			"shareNotes": {
				Type:           models.ObjectDelegate,
				Collection:     "notes",
				SharableGroups: []string{common.ScopePublic},
			},
		},
	}
}

func newTestStore(t *testing.T, schemas fakeSchemas) (*Store, *datastore.Manager, *fakeRevoker) {
	t.Helper()
	reg := storage.NewRegistry(logging.Nop())
	memory.Register(reg)
	ds := datastore.New(reg, nil, datastore.Options{
		SystemConfig: models.StorageConfig{DBParams: models.BackendParams{Type: memory.Kind, Params: map[string]string{"name": t.Name()}}},
	}, logging.Nop())
	t.Cleanup(func() { _ = ds.Close(context.Background()) })

	rv := &fakeRevoker{}
	return New(ds, schemas, rv, logging.Nop()), ds, rv
}

func TestEquivalent(t *testing.T) {
	base := models.PermissionAttrs{
		Type:           models.DBQuery,
		RequestorApp:   "app.b",
		RequesteeApp:   "com.notes",
		PermissionName: "readNotes",
		Collection:     "notes",
		ReturnFields:   []string{"title", "body"},
		SharableGroups: []string{"public", "logged_in"},
	}

	tests := []struct {
		name   string
		mutate func(p *models.PermissionAttrs)
		want   bool
	}{
		{"identical", func(p *models.PermissionAttrs) {}, true},
		{"order ignored", func(p *models.PermissionAttrs) { p.ReturnFields = []string{"body", "title"} }, true},
		{"empty equals missing", func(p *models.PermissionAttrs) { p.SharableFolders = []string{}; p.SortFields = map[string]int{} }, true},
		{"collection as list", func(p *models.PermissionAttrs) { p.Collection = ""; p.Collections = []string{"notes"} }, true},
		{"description ignored", func(p *models.PermissionAttrs) { p.Description = "new words" }, true},
		{"return fields changed", func(p *models.PermissionAttrs) { p.ReturnFields = []string{"title"} }, false},
		{"groups widened", func(p *models.PermissionAttrs) { p.SharableGroups = append(p.SharableGroups, "user") }, false},
		{"folders changed", func(p *models.PermissionAttrs) { p.SharableFolders = []string{"/photos"} }, false},
		{"type changed", func(p *models.PermissionAttrs) { p.Type = models.ObjectDelegate }, false},
		{"max count changed", func(p *models.PermissionAttrs) { p.MaxCount = 5 }, false},
		{"sort changed", func(p *models.PermissionAttrs) { p.SortFields = map[string]int{"title": 1} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			other.ReturnFields = append([]string(nil), base.ReturnFields...)
			other.SharableGroups = append([]string(nil), base.SharableGroups...)
			tt.mutate(&other)
			assert.Equal(t, tt.want, Equivalent(base, other))
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("accept")
	require.NoError(t, err)
	assert.Equal(t, Accept, a)
	a, err = ParseAction("Deny")
	require.NoError(t, err)
	assert.Equal(t, Deny, a)
	_, err = ParseAction("maybe")
	assert.Error(t, err)
}

func TestReconcile_CreatesPendingAndIsIdempotent(t *testing.T) {
	app := notesApp("title")
	s, _, _ := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()

	f, err := s.ReconcileSchemaForApp(ctx, "alice", app)
	require.NoError(t, err)
	assert.Len(t, f.Notes, 2)

	before, err := s.List(ctx, "alice", "com.notes")
	require.NoError(t, err)
	require.Len(t, before, 2)
	for _, g := range before {
		assert.False(t, g.Granted)
		assert.False(t, g.Denied)
		assert.False(t, g.Outdated)
		assert.Equal(t, "alice", g.Owner)
	}

	f, err = s.ReconcileSchemaForApp(ctx, "alice", app)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())

	after, err := s.List(ctx, "alice", "com.notes")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReconcile_OutdatesChangedGrant(t *testing.T) {
	schemas := fakeSchemas{"com.notes": notesApp("title")}
	s, _, _ := newTestStore(t, schemas)
	ctx := context.Background()

	_, err := s.ReconcileSchemaForApp(ctx, "alice", schemas["com.notes"])
	require.NoError(t, err)
	_, err = s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: Accept})
	require.NoError(t, err)

	active, err := s.AllGrantedByName(ctx, "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	require.Len(t, active, 1)

	schemas["com.notes"] = notesApp("title", "body")
	f, err := s.ReconcileSchemaForApp(ctx, "alice", schemas["com.notes"])
	require.NoError(t, err)
	assert.Len(t, f.Warnings, 1)

	g, err := s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	assert.True(t, g.Granted)
	assert.True(t, g.Outdated)
	assert.Equal(t, []string{"title"}, g.ReturnFields, "granted semantics are not changed silently")

	active, err = s.AllGrantedByName(ctx, "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	assert.Empty(t, active)

	res, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: Accept})
	require.NoError(t, err)
	assert.True(t, res.Success)

	g, err = s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	assert.True(t, g.Active())
	assert.Equal(t, []string{"title", "body"}, g.ReturnFields)
}

func TestReconcile_PendingFollowsSchemaAndRemovedIsOutdated(t *testing.T) {
	schemas := fakeSchemas{"com.notes": notesApp("title")}
	s, _, _ := newTestStore(t, schemas)
	ctx := context.Background()

	_, err := s.ReconcileSchemaForApp(ctx, "alice", schemas["com.notes"])
	require.NoError(t, err)
	_, err = s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "shareNotes", RequesteeApp: "com.notes", Action: Accept})
	require.NoError(t, err)

	changed := notesApp("title", "body")
	delete(changed.Permissions, "shareNotes")
	_, err = s.ReconcileSchemaForApp(ctx, "alice", changed)
	require.NoError(t, err)

	g, err := s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	assert.False(t, g.Outdated)
	assert.Equal(t, []string{"title", "body"}, g.ReturnFields)

	g, err = s.ByOwnerAndName(ctx, "alice", "com.notes", "com.notes", "shareNotes")
	require.NoError(t, err)
	assert.True(t, g.Outdated)

	schemas["com.notes"] = changed
	res, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "shareNotes", RequesteeApp: "com.notes", RequestorApp: "com.notes", Action: Accept})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.False(t, res.Success)
}

func TestApplyAction_StateMachineClosure(t *testing.T) {
	app := notesApp("title")
	s, ds, _ := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()

	steps := []Action{Accept, Accept, Deny, Deny, Accept, Deny, Accept}
	for i, a := range steps {
		res, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: a})
		require.NoError(t, err, "step %d", i)
		assert.True(t, res.Success)
		assert.Equal(t, a, res.Action)
		assert.Equal(t, "readNotes", res.PermissionName)

		g, err := s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
		require.NoError(t, err)
		assert.Equal(t, a == Accept, g.Granted, "step %d", i)
		assert.Equal(t, a == Deny, g.Denied, "step %d", i)
		assert.False(t, g.Outdated)
	}

	recs, err := ds.Query(ctx, Table, storage.Filter{}, storage.QueryOptions{Limit: storage.Unlimited})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "no duplicate rows")
}

func TestApplyAction_DenyRevokesSharedRecords(t *testing.T) {
	app := notesApp("title")
	s, _, rv := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()
	req := ActionRequest{Owner: "alice", PermissionName: "shareNotes", RequesteeApp: "com.notes"}

	req.Action = Deny
	_, err := s.ApplyAction(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, rv.calls, "never granted, nothing to revoke")

	req.Action = Accept
	_, err = s.ApplyAction(ctx, req)
	require.NoError(t, err)

	req.Action = Deny
	res, err := s.ApplyAction(ctx, req)
	require.NoError(t, err)
	require.Len(t, rv.calls, 1)
	assert.Equal(t, revokeCall{"alice", "com.notes", "com.notes", "shareNotes"}, rv.calls[0])
	assert.Contains(t, res.Flags.Notes, "revoked")

	// db_query grants leave no per-record marks.
	_, err = s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: Accept})
	require.NoError(t, err)
	_, err = s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: Deny})
	require.NoError(t, err)
	assert.Len(t, rv.calls, 1)
}

func TestApplyAction_StaleUngrantedIsDeleted(t *testing.T) {
	app := notesApp("title")
	s, ds, _ := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()

	decl, _ := app.Permission("readNotes")
	g := &models.PermissionGrant{PermissionAttrs: decl, Outdated: true}
	fields, err := g.Fields()
	require.NoError(t, err)
	_, err = ds.Create(ctx, Table, "", fields, datastore.WriteOptions{Owner: "alice"})
	require.NoError(t, err)

	res, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: Deny})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestApplyAction_Errors(t *testing.T) {
	s, _, _ := newTestStore(t, fakeSchemas{"com.notes": notesApp("title")})
	ctx := context.Background()

	_, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "nothing", RequesteeApp: "com.notes", Action: Accept})
	assert.ErrorIs(t, err, common.ErrNoSchema)

	_, err = s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "readNotes", RequesteeApp: "com.notes", Action: "Maybe"})
	assert.Error(t, err)
}

func TestByOwnerAndName_KeepsLowestIDAndRemovesDuplicates(t *testing.T) {
	app := notesApp("title")
	s, ds, _ := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()

	decl, _ := app.Permission("readNotes")
	for _, id := range []string{"b", "a", "c"} {
		g := &models.PermissionGrant{PermissionAttrs: decl, Granted: id == "a"}
		fields, err := g.Fields()
		require.NoError(t, err)
		_, err = ds.Create(ctx, Table, id, fields, datastore.WriteOptions{Owner: "alice"})
		require.NoError(t, err)
	}

	g, err := s.ByOwnerAndName(ctx, "alice", "app.b", "com.notes", "readNotes")
	require.NoError(t, err)
	assert.Equal(t, "a", g.ID)
	assert.True(t, g.Granted)

	recs, err := ds.Query(ctx, Table, storage.Filter{}, storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID())
}

func TestPurge(t *testing.T) {
	app := notesApp("title")
	s, _, rv := newTestStore(t, fakeSchemas{"com.notes": app})
	ctx := context.Background()

	_, err := s.ApplyAction(ctx, ActionRequest{Owner: "alice", PermissionName: "shareNotes", RequesteeApp: "com.notes", Action: Accept})
	require.NoError(t, err)

	f, err := s.Purge(ctx, "alice", "com.notes", "com.notes", "shareNotes")
	require.NoError(t, err)
	assert.Len(t, rv.calls, 1)
	assert.Contains(t, f.Notes, "permission shareNotes deleted")

	_, err = s.ByOwnerAndName(ctx, "alice", "com.notes", "com.notes", "shareNotes")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
