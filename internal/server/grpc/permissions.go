package grpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/auth"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/permissions"
	"github.com/dmitrijs2005/pdsvault/internal/server/sharing"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// managedApp returns the app whose permissions the caller manages: the
// named one, or the caller's own. Only the app itself and the admin app
// may manage an app's permissions.
func managedApp(c *auth.Claims, app string) (string, error) {
	if app == "" {
		return c.AppName, nil
	}
	if app != c.AppName && c.AppName != common.AdminApp {
		return "", fmt.Errorf("%w: %s cannot manage permissions of %s", common.ErrAccessDenied, c.AppName, app)
	}
	return app, nil
}

type permissionRequest struct {
	PermissionName string `json:"permission_name"`
	RequestorApp   string `json:"requestor_app"`
	RequesteeApp   string `json:"requestee_app"`
	Action         string `json:"action"`
}

func (s *GRPCServer) ApplyPermission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r permissionRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	action, err := permissions.ParseAction(r.Action)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	app, err := managedApp(c, r.RequesteeApp)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.Permissions.ApplyAction(ctx, permissions.ActionRequest{
		Owner:          c.UserID,
		PermissionName: r.PermissionName,
		RequesteeApp:   app,
		RequestorApp:   r.RequestorApp,
		Action:         action,
	})
	if err != nil {
		return nil, err
	}
	return encode(res)
}

func (s *GRPCServer) ListPermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r permissionRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	app, err := managedApp(c, r.RequesteeApp)
	if err != nil {
		return nil, err
	}
	grants, err := s.svc.Permissions.List(ctx, c.UserID, app)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []*models.PermissionGrant{}
	}
	return encode(map[string]any{"permissions": grants})
}

// SyncAppPermissions reconciles the caller's grants with the app's
// current manifest.
func (s *GRPCServer) SyncAppPermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r struct {
		AppName string `json:"app_name"`
	}
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	name, err := managedApp(c, r.AppName)
	if err != nil {
		return nil, err
	}
	app, ok := s.svc.Apps.App(name)
	if !ok {
		return nil, fmt.Errorf("%w: app %s", common.ErrNoSchema, name)
	}
	f, err := s.svc.Permissions.ReconcileSchemaForApp(ctx, c.UserID, app)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"app_name": name, "flags": f})
}

// shareRequest shares a record, or a field value when FieldName is set,
// of the caller's app under the caller's grant of PermissionName.
type shareRequest struct {
	RequestorApp   string   `json:"requestor_app"`
	PermissionName string   `json:"permission_name"`
	Collection     string   `json:"collection"`
	RecordID       string   `json:"record_id"`
	FieldName      string   `json:"field_name"`
	FieldValue     string   `json:"field_value"`
	Group          string   `json:"group"`
	Users          []string `json:"users"`
	Keywords       []string `json:"keywords"`
}

func (s *GRPCServer) share(ctx context.Context, in *structpb.Struct, grant bool) (*structpb.Struct, error) {
	c, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	var r shareRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}

	g, err := s.svc.Permissions.ByOwnerAndName(ctx, c.UserID, r.RequestorApp, c.AppName, r.PermissionName)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("%w: %s has not granted %s", common.ErrAccessDenied, c.UserID, r.PermissionName)
	}
	if err != nil {
		return nil, err
	}

	aud := sharing.Audience{Group: r.Group, Users: r.Users}
	var o *models.AccessibleObject
	switch {
	case r.FieldName != "":
		fs := sharing.FieldShare{Grant: g, Collection: r.Collection, FieldName: r.FieldName, FieldValue: r.FieldValue, Audience: aud}
		if grant {
			o, err = s.svc.Shares.GrantField(ctx, fs)
		} else {
			o, err = s.svc.Shares.RevokeField(ctx, fs)
		}
	case r.RecordID != "":
		sh := sharing.Share{Grant: g, Collection: r.Collection, RecordID: r.RecordID, Audience: aud, Keywords: r.Keywords}
		if grant {
			o, err = s.svc.Shares.Grant(ctx, sh)
		} else {
			o, err = s.svc.Shares.Revoke(ctx, sh)
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "record_id or field_name is required")
	}
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"shared": o})
}

func (s *GRPCServer) ShareRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.share(ctx, in, true)
}

func (s *GRPCServer) UnshareRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.share(ctx, in, false)
}
