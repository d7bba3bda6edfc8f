package models

import (
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRef_Name(t *testing.T) {
	tests := []struct {
		name string
		ref  TableRef
		want string
	}{
		{"app and collection", TableRef{Owner: "alice", AppName: "com.notes", Collection: "notes"}, "alice__com_notes_notes"},
		{"dotted collection", TableRef{Owner: "alice", AppName: "com.notes", Collection: "a.b"}, "alice__com_notes_a_b"},
		{"main table", TableRef{Owner: "alice", AppName: "com.notes"}, "alice__com_notes"},
		{"app table wins", TableRef{Owner: "bob", AppName: "x", Collection: "y", AppTable: "dev.ceps.messages.got"}, "bob__dev_ceps_messages_got"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Name())
		})
	}
}

func TestTableRef_AppTableName(t *testing.T) {
	assert.Equal(t, "com.notes.notes", TableRef{Owner: "a", AppName: "com.notes", Collection: "notes"}.AppTableName())
	assert.Equal(t, "dev.ceps.messages.got", TableRef{Owner: "a", AppTable: "dev.ceps.messages.got"}.AppTableName())
	assert.Equal(t, "alice__", OwnerPrefix("alice"))
	assert.Equal(t, "fradmin__info_freezr_admin_permissions", SystemTable("permissions").Name())
}

func TestRecord_WithoutReservedAndProject(t *testing.T) {
	r := Record{"_id": "1", "_owner": "eve", "_date_created": 1, "_accessible_by": map[string]any{}, "title": "x", "body": "y"}

	clean := r.WithoutReserved()
	assert.Equal(t, Record{"title": "x", "body": "y"}, clean)
	assert.Equal(t, "1", r.ID(), "original untouched")

	assert.Equal(t, Record{"title": "x"}, r.Project([]string{"title", "missing"}))
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := Record{"nested": map[string]any{"k": "v"}}
	c, err := r.Clone()
	require.NoError(t, err)

	c["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", r["nested"].(map[string]any)["k"])
}

func TestRecord_Int64(t *testing.T) {
	r := Record{"a": int64(5), "b": float64(6), "c": json.Number("7"), "d": "x"}
	for key, want := range map[string]int64{"a": 5, "b": 6, "c": 7} {
		got, ok := r.Int64(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := r.Int64("d")
	assert.False(t, ok)
}

func TestToRecord_RejectsNonObjects(t *testing.T) {
	for _, v := range []any{nil, "str", 42, []int{1}} {
		_, err := ToRecord(v)
		assert.ErrorIs(t, err, common.ErrInvalidRecord)
	}

	r, err := ToRecord(struct {
		Title string `json:"title"`
	}{"x"})
	require.NoError(t, err)
	assert.Equal(t, Record{"title": "x"}, r)
}

func TestAccessibleBy_ScopeTagFollowsPerms(t *testing.T) {
	ab := &AccessibleBy{}
	p1 := PermString("app.b", "share")
	p2 := PermString("app.c", "share")

	ab.AddGroup(common.ScopePublic, p1)
	ab.AddGroup(common.ScopePublic, p1)
	ab.AddGroup(common.ScopePublic, p2)
	ab.AddUser("bob", p1)

	assert.Equal(t, []string{common.ScopePublic}, ab.Groups)
	assert.Equal(t, []string{p1, p2}, ab.GroupPerms[common.ScopePublic])
	assert.True(t, ab.GroupAllows(common.ScopePublic, p2))
	assert.True(t, ab.UserAllows("bob", p1))

	ab.RemoveGroup(common.ScopePublic, p1)
	assert.Equal(t, []string{common.ScopePublic}, ab.Groups, "scope kept while perms remain")

	ab.RemovePerm(p2)
	assert.Empty(t, ab.Groups)
	assert.NotContains(t, ab.GroupPerms, common.ScopePublic)
	assert.Equal(t, []string{"bob"}, ab.Users)

	ab.RemoveUser("bob", p1)
	assert.True(t, ab.IsEmpty())
}

func TestAccessibleByOf_RoundTrip(t *testing.T) {
	ab := &AccessibleBy{}
	ab.AddGroup(common.ScopeLoggedIn, "a/p")
	v, err := ab.AsValue()
	require.NoError(t, err)

	got, err := AccessibleByOf(Record{common.FieldAccessibleBy: v})
	require.NoError(t, err)
	assert.Equal(t, ab, got)

	empty, err := AccessibleByOf(Record{"title": "x"})
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}

func TestAppConfig_PermissionNormalizes(t *testing.T) {
	cfg := &AppConfig{
		AppName: "com.notes",
		Permissions: map[string]PermissionAttrs{
			"readNotes": {Type: DBQuery, Collection: "notes", ReturnFields: []string{"title"}},
			"other":     {Type: ObjectDelegate, RequestorApp: "app.b", Collections: []string{"a", "b"}},
		},
	}

	p, ok := cfg.Permission("readNotes")
	require.True(t, ok)
	assert.Equal(t, "readNotes", p.PermissionName)
	assert.Equal(t, "com.notes", p.RequesteeApp)
	assert.Equal(t, "com.notes", p.RequestorApp)
	assert.Equal(t, []string{"notes"}, p.AllCollections())

	o, _ := cfg.Permission("other")
	assert.Equal(t, "app.b", o.RequestorApp)
	assert.True(t, o.CoversCollection("b"))

	_, ok = cfg.Permission("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"other", "readNotes"}, cfg.PermissionNames())
}

func TestPermissionType(t *testing.T) {
	assert.True(t, DBQuery.Valid())
	assert.False(t, PermissionType("bogus").Valid())
	assert.True(t, WebConnect.External())
	assert.False(t, FolderDelegate.External())
	assert.True(t, FieldDelegate.Sharing())
}

func TestPermissionGrant_RecordRoundTrip(t *testing.T) {
	g := &PermissionGrant{
		ID:    "g1",
		Owner: "alice",
		PermissionAttrs: PermissionAttrs{
			Type: DBQuery, PermissionName: "readNotes", RequestorApp: "app.b", RequesteeApp: "com.notes",
			SharableGroups: []string{common.ScopeLoggedIn},
		},
		Granted: true,
	}

	fields, err := g.Fields()
	require.NoError(t, err)
	assert.NotContains(t, fields, common.FieldID)
	assert.NotContains(t, fields, common.FieldOwner)
	assert.Equal(t, "readNotes", fields["permission_name"])
	assert.Equal(t, true, fields["granted"])

	fields[common.FieldID] = "g1"
	fields[common.FieldOwner] = "alice"
	back, err := GrantFromRecord(fields)
	require.NoError(t, err)
	assert.Equal(t, g, back)
	assert.True(t, back.Active())
}
