package permissions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// shape is the part of a permission whose change requires re-consent.
type shape struct {
	Type            models.PermissionType
	RequestorApp    string
	RequesteeApp    string
	PermissionName  string
	Collections     []string
	SortFields      map[string]int
	SharableGroups  []string
	SharableFolders []string
	ReturnFields    []string
	MaxCount        int
}

func shapeOf(p models.PermissionAttrs) shape {
	return shape{
		Type:            p.Type,
		RequestorApp:    p.RequestorApp,
		RequesteeApp:    p.RequesteeApp,
		PermissionName:  p.PermissionName,
		Collections:     p.AllCollections(),
		SortFields:      p.SortFields,
		SharableGroups:  p.SharableGroups,
		SharableFolders: p.SharableFolders,
		ReturnFields:    p.ReturnFields,
		MaxCount:        p.MaxCount,
	}
}

var shapeOpts = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
}

// Equivalent reports whether two declarations grant the same access.
// Absent and empty values compare equal and list order is ignored.
func Equivalent(a, b models.PermissionAttrs) bool {
	return cmp.Equal(shapeOf(a), shapeOf(b), shapeOpts)
}

// Action is an owner's decision on a permission.
type Action string

const (
	Accept Action = "Accept"
	Deny   Action = "Deny"
)

// ParseAction accepts the action names case-insensitively.
func ParseAction(s string) (Action, error) {
	switch {
	case strings.EqualFold(s, string(Accept)):
		return Accept, nil
	case strings.EqualFold(s, string(Deny)):
		return Deny, nil
	}
	return "", fmt.Errorf("unknown permission action %q", s)
}

// ActionRequest names the permission an owner acts on. RequestorApp may be
// empty when the requestee declares the permission for itself.
type ActionRequest struct {
	Owner          string
	PermissionName string
	RequesteeApp   string
	RequestorApp   string
	Action         Action
}

type ActionResult struct {
	Success        bool         `json:"success"`
	PermissionName string       `json:"permission_name"`
	Action         Action       `json:"action"`
	Aborted        bool         `json:"aborted"`
	Flags          *flags.Flags `json:"flags"`
}

// declared returns the live declaration of the permission, if any.
func (s *Store) declared(requesteeApp, name string) (models.PermissionAttrs, bool) {
	if s.schemas == nil {
		return models.PermissionAttrs{}, false
	}
	app, ok := s.schemas.App(requesteeApp)
	if !ok {
		return models.PermissionAttrs{}, false
	}
	return app.Permission(name)
}

// ApplyAction moves a grant through its lifecycle. Accept always ends
// granted and current; Deny always ends denied, except that a stale grant
// that was never accepted is simply removed. Denying a sharing permission
// that was granted withdraws every record share made under it.
func (s *Store) ApplyAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	res := &ActionResult{PermissionName: req.PermissionName, Action: req.Action, Flags: flags.New()}
	if req.Action != Accept && req.Action != Deny {
		return nil, fmt.Errorf("unknown permission action %q", req.Action)
	}

	decl, declOK := s.declared(req.RequesteeApp, req.PermissionName)
	if declOK && req.RequestorApp != "" && decl.RequestorApp != req.RequestorApp {
		declOK = false
	}
	key := Key{Owner: req.Owner, RequestorApp: req.RequestorApp, RequesteeApp: req.RequesteeApp, PermissionName: req.PermissionName}
	if key.RequestorApp == "" && declOK {
		key.RequestorApp = decl.RequestorApp
	}

	g, err := s.get(ctx, key)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		if !declOK {
			return nil, fmt.Errorf("%w: %s/%s", common.ErrNoSchema, req.RequesteeApp, req.PermissionName)
		}
		g = &models.PermissionGrant{PermissionAttrs: decl}
		g.Granted, g.Denied = req.Action == Accept, req.Action == Deny
		if _, err := s.create(ctx, req.Owner, g); err != nil {
			return nil, err
		}
		res.Success = true
		res.Flags.Note("permission %s created as %s", req.PermissionName, stateName(g))
		s.log.Info(ctx, "permission created", "owner", req.Owner, "permission", req.PermissionName, "action", req.Action)
		return res, nil
	case err != nil:
		return nil, err
	}

	if req.Action == Accept {
		if g.Outdated && !declOK {
			res.Aborted = true
			res.Flags.Warn("permission %s is no longer declared by %s", req.PermissionName, req.RequesteeApp)
			return res, nil
		}
		if g.Granted && !g.Denied && !g.Outdated && (!declOK || Equivalent(g.PermissionAttrs, decl)) {
			res.Success = true
			return res, nil
		}
		if declOK {
			g.PermissionAttrs = decl
		}
		g.Granted, g.Denied, g.Outdated = true, false, false
		if err := s.save(ctx, g); err != nil {
			return nil, err
		}
		res.Success = true
		s.log.Info(ctx, "permission accepted", "owner", req.Owner, "permission", req.PermissionName, "requestor_app", g.RequestorApp)
		return res, nil
	}

	if g.Outdated && !g.Granted && !g.Denied {
		if err := s.ds.Delete(ctx, Table, g.ID); err != nil {
			return nil, err
		}
		res.Success = true
		res.Flags.Note("stale permission %s removed", req.PermissionName)
		return res, nil
	}

	wasGranted := g.Granted
	if g.Denied && !g.Granted && !g.Outdated {
		res.Success = true
		return res, nil
	}
	if declOK {
		g.PermissionAttrs = decl
	}
	g.Granted, g.Denied, g.Outdated = false, true, false
	if err := s.save(ctx, g); err != nil {
		return nil, err
	}

	if wasGranted && g.Type.Sharing() && s.revoker != nil {
		rf, err := s.revoker.BulkRevokeByPermission(ctx, req.Owner, g.RequestorApp, g.RequesteeApp, g.PermissionName)
		if err != nil {
			res.Flags.Error("revoking shared records", err)
		} else {
			res.Flags.Merge(rf)
		}
	}
	res.Success = true
	s.log.Info(ctx, "permission denied", "owner", req.Owner, "permission", req.PermissionName, "requestor_app", g.RequestorApp)
	return res, nil
}

func stateName(g *models.PermissionGrant) string {
	switch {
	case g.Outdated:
		return "outdated"
	case g.Granted:
		return "granted"
	case g.Denied:
		return "denied"
	}
	return "pending"
}

// ReconcileSchemaForApp brings the owner's grants in line with app's
// current manifest: missing permissions are created pending, pending ones
// follow the manifest, and granted ones whose declaration changed or
// disappeared become outdated and need re-consent. An unchanged manifest
// writes nothing.
func (s *Store) ReconcileSchemaForApp(ctx context.Context, owner string, app *models.AppConfig) (*flags.Flags, error) {
	f := flags.New()

	existing, err := s.List(ctx, owner, app.AppName)
	if err != nil {
		return nil, err
	}
	names := app.PermissionNames()

	for _, name := range names {
		decl, _ := app.Permission(name)
		if !decl.Type.Valid() {
			f.Warn("permission %s has unknown type %q", name, decl.Type)
			continue
		}

		g, err := s.get(ctx, Key{Owner: owner, RequestorApp: decl.RequestorApp, RequesteeApp: decl.RequesteeApp, PermissionName: name})
		switch {
		case errors.Is(err, common.ErrorNotFound):
			if _, err := s.create(ctx, owner, &models.PermissionGrant{PermissionAttrs: decl}); err != nil {
				return nil, err
			}
			f.Note("permission %s added", name)
			continue
		case err != nil:
			return nil, err
		}

		if Equivalent(g.PermissionAttrs, decl) {
			continue
		}
		if err := s.outdate(ctx, g, decl, f); err != nil {
			return nil, err
		}
	}

	for _, g := range existing {
		if slices.Contains(names, g.PermissionName) {
			continue
		}
		if g.Granted && !g.Outdated {
			g.Outdated = true
			if err := s.save(ctx, g); err != nil {
				return nil, err
			}
			f.Warn("permission %s was removed from %s", g.PermissionName, app.AppName)
		}
	}
	return f, nil
}

// outdate handles a grant whose declaration changed. Pending and denied
// grants simply follow the new declaration; a granted one keeps what the
// owner agreed to and is flagged outdated.
func (s *Store) outdate(ctx context.Context, g *models.PermissionGrant, decl models.PermissionAttrs, f *flags.Flags) error {
	if g.Granted {
		if g.Outdated {
			return nil
		}
		g.Outdated = true
		f.Warn("permission %s changed and needs to be accepted again", g.PermissionName)
		s.log.Info(ctx, "granted permission outdated", "owner", g.Owner, "permission", g.PermissionName)
	} else {
		g.PermissionAttrs = decl
		f.Note("permission %s updated", g.PermissionName)
	}
	return s.save(ctx, g)
}
