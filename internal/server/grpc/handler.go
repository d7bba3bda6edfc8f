package grpc

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/access"
	"github.com/dmitrijs2005/pdsvault/internal/server/auth"
	"github.com/dmitrijs2005/pdsvault/internal/server/datastore"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *GRPCServer) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {

	return encode(map[string]any{"status": "OK"})

}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	AppName  string `json:"app_name"`
}

func (s *GRPCServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req loginRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.AppName == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id and app_name are required")
	}

	if !s.svc.Accounts.CheckCredential(ctx, req.UserID, []byte(req.Password)) {
		s.logger.Info(ctx, "login refused", "user", req.UserID, "app", req.AppName)
		return nil, common.ErrorUnauthorized
	}

	token, err := auth.GenerateToken(req.UserID, req.AppName, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "logged in", "user", req.UserID, "app", req.AppName)
	return encode(map[string]any{"access_token": token, "expires_in": int64(s.tokenTTL.Seconds())})
}

type sortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// recordRequest addresses data of AppName (the caller's app by default).
// Without a permission name the caller reads its own user's data.
type recordRequest struct {
	AppName        string         `json:"app_name"`
	Owner          string         `json:"owner"`
	PermissionName string         `json:"permission_name"`
	Collection     string         `json:"collection"`
	ID             string         `json:"id"`
	Query          map[string]any `json:"query"`
	Sort           []sortField    `json:"sort"`
	Count          int            `json:"count"`
	Skip           int            `json:"skip"`
	FieldName      string         `json:"field_name"`
	FieldValue     string         `json:"field_value"`
	Path           string         `json:"path"`
}

func (r recordRequest) access(c *auth.Claims) (access.Request, error) {
	if r.Count < 0 || r.Skip < 0 {
		return access.Request{}, status.Error(codes.InvalidArgument, "count and skip must not be negative")
	}
	req := access.Request{
		RequestorApp:   c.AppName,
		RequesteeApp:   r.AppName,
		ActingUser:     c.UserID,
		Owner:          r.Owner,
		PermissionName: r.PermissionName,
		Collection:     r.Collection,
		RecordID:       r.ID,
		Filter:         storage.Filter(r.Query),
		Options:        storage.QueryOptions{Limit: r.Count, Skip: r.Skip},
		FieldName:      r.FieldName,
		FieldValue:     r.FieldValue,
		Path:           r.Path,
	}
	if req.RequesteeApp == "" {
		req.RequesteeApp = c.AppName
	}
	if req.Owner == "" && req.PermissionName == "" {
		req.Owner = c.UserID
	}
	for _, f := range r.Sort {
		req.Options.Sort = append(req.Options.Sort, storage.SortField{Field: f.Field, Desc: f.Desc})
	}
	return req, nil
}

func (s *GRPCServer) recordRequest(ctx context.Context, in *structpb.Struct) (access.Request, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return access.Request{}, err
	}
	var r recordRequest
	if err := decode(in, &r); err != nil {
		return access.Request{}, err
	}
	return r.access(c)
}

func (s *GRPCServer) ReadRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.recordRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	rec, err := s.svc.Records.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"record": rec})
}

func (s *GRPCServer) QueryRecords(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.recordRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	recs, err := s.svc.Records.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.Record{}
	}
	return encode(map[string]any{"results": recs})
}

// writeRequest changes the caller's own table of the caller's app.
type writeRequest struct {
	Collection   string         `json:"collection"`
	ID           string         `json:"id"`
	Query        map[string]any `json:"query"`
	Record       map[string]any `json:"record"`
	Replace      bool           `json:"replace"`
	Upsert       bool           `json:"upsert"`
	Overwrite    bool           `json:"overwrite"`
	IDFromFields []string       `json:"id_from_fields"`
}

func (s *GRPCServer) write(ctx context.Context, in *structpb.Struct, kind func(writeRequest) access.MutationKind) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var w writeRequest
	if err := decode(in, &w); err != nil {
		return nil, err
	}
	m := access.Mutation{
		Kind:   kind(w),
		ID:     w.ID,
		Filter: storage.Filter(w.Query),
		Write:  datastore.WriteOptions{Overwrite: w.Overwrite, IDFromFields: w.IDFromFields},
	}
	if m.Kind != access.MutationDelete {
		if w.Record == nil {
			return nil, fmt.Errorf("%w: record is required", common.ErrInvalidRecord)
		}
		m.Entity = w.Record
	}
	req := access.Request{
		RequestorApp: c.AppName,
		RequesteeApp: c.AppName,
		ActingUser:   c.UserID,
		Owner:        c.UserID,
		Collection:   w.Collection,
	}
	res, err := s.svc.Records.Write(ctx, req, m)
	if err != nil {
		return nil, err
	}
	return encode(res)
}

func (s *GRPCServer) CreateRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.write(ctx, in, func(w writeRequest) access.MutationKind {
		if w.Upsert {
			return access.MutationUpsert
		}
		return access.MutationCreate
	})
}

func (s *GRPCServer) UpdateRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.write(ctx, in, func(w writeRequest) access.MutationKind {
		switch {
		case w.Upsert:
			return access.MutationUpsert
		case w.Replace:
			return access.MutationReplace
		}
		return access.MutationUpdate
	})
}

func (s *GRPCServer) DeleteRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.write(ctx, in, func(writeRequest) access.MutationKind { return access.MutationDelete })
}
