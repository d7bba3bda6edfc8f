package grpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxInlineFile bounds file content carried inside a message. Larger
// files are fetched through FileURL.
const maxInlineFile = 4 << 20

// WriteFile stores content (base64 in JSON) in the caller's file store
// under the caller's app.
func (s *GRPCServer) WriteFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r struct {
		Path    string `json:"path"`
		Content []byte `json:"content"`
	}
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	if len(r.Content) > maxInlineFile {
		return nil, status.Error(codes.InvalidArgument, "file too large for an inline write")
	}
	f, err := s.svc.Files.Write(ctx, c.UserID, c.AppName, r.Path, bytes.NewReader(r.Content), int64(len(r.Content)))
	if err != nil {
		return nil, err
	}
	return encode(f)
}

func (s *GRPCServer) ReadFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.recordRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	rc, err := s.svc.Records.ReadFile(ctx, req)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, maxInlineFile+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxInlineFile {
		return nil, status.Error(codes.FailedPrecondition, "file too large, use FileURL")
	}
	return encode(map[string]any{"path": req.Path, "content": b})
}

// FileURL returns a temporary direct download link.
func (s *GRPCServer) FileURL(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.recordRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	var r struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	if err := s.svc.Records.AuthorizeFile(ctx, req); err != nil {
		return nil, err
	}
	d, err := s.svc.Files.DownloadURL(ctx, req.Owner, req.RequesteeApp, req.Path, time.Duration(r.TTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return encode(d)
}

// ExportApp exports the caller's data of the caller's app.
func (s *GRPCServer) ExportApp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r struct {
		Collections []string `json:"collections"`
	}
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	exp, err := s.svc.Backups.Export(ctx, c.UserID, c.AppName, r.Collections)
	if err != nil {
		return nil, err
	}
	return encode(exp)
}

// ImportApp restores an export of the caller's app into the caller's
// tables.
func (s *GRPCServer) ImportApp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r struct {
		Export    *models.Export `json:"export"`
		Overwrite bool           `json:"overwrite"`
	}
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	if r.Export == nil || r.Export.Meta.AppName != c.AppName {
		return nil, fmt.Errorf("%w: export must be of %s", common.ErrInvalidRecord, c.AppName)
	}
	f, err := s.svc.Backups.Import(ctx, c.UserID, r.Export, r.Overwrite)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"flags": f})
}
