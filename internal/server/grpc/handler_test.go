package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/access"
	"github.com/dmitrijs2005/pdsvault/internal/server/auth"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
		msg  string
	}{
		{"denied", fmt.Errorf("%w: secret reason", common.ErrAccessDenied), codes.PermissionDenied, "access_denied: access denied"},
		{"not found", common.ErrorNotFound, codes.NotFound, "not_found: not found"},
		{"quota", common.ErrQuotaExceeded, codes.ResourceExhausted, "quota_exceeded: storage quota exceeded"},
		{"unavailable", fmt.Errorf("%w: %w", common.ErrStorageUnavailable, common.ErrConnectionFailed), codes.Unavailable, "storage_unavailable: storage unavailable"},
		{"unknown", errors.New("pq: relation does not exist"), codes.Internal, "internal_error: internal error"},
		{"status", status.Error(codes.InvalidArgument, "bad"), codes.InvalidArgument, "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(toStatus(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
			assert.Equal(t, tt.msg, st.Message())
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestRecordRequest_Access(t *testing.T) {
	c := &auth.Claims{UserID: "bob", AppName: "app.b"}

	own, err := recordRequest{Collection: "notes", Count: 5, Sort: []sortField{{Field: "title", Desc: true}}}.access(c)
	require.NoError(t, err)
	assert.Equal(t, access.Request{
		RequestorApp: "app.b",
		RequesteeApp: "app.b",
		ActingUser:   "bob",
		Owner:        "bob",
		Collection:   "notes",
		Options:      storage.QueryOptions{Limit: 5, Sort: []storage.SortField{{Field: "title", Desc: true}}},
	}, own)

	shared, err := recordRequest{AppName: "com.notes", PermissionName: "readNotes"}.access(c)
	require.NoError(t, err)
	assert.Empty(t, shared.Owner, "permission queries span all grantors")
	assert.Equal(t, "com.notes", shared.RequesteeApp)

	_, err = recordRequest{Skip: -1}.access(c)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestManagedApp(t *testing.T) {
	app, err := managedApp(&auth.Claims{AppName: "com.notes"}, "")
	require.NoError(t, err)
	assert.Equal(t, "com.notes", app)

	app, err = managedApp(&auth.Claims{AppName: common.AdminApp}, "com.notes")
	require.NoError(t, err)
	assert.Equal(t, "com.notes", app)

	_, err = managedApp(&auth.Claims{AppName: "app.b"}, "com.notes")
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestHandlers_NeedClaims(t *testing.T) {
	s := newTestServer("secret")
	in, err := structpb.NewStruct(map[string]any{"collection": "notes"})
	require.NoError(t, err)

	_, err = s.QueryRecords(context.Background(), in)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = s.CreateRecord(context.Background(), in)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestDecode_Malformed(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"count": "many"})
	require.NoError(t, err)

	var r recordRequest
	err = decode(in, &r)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
