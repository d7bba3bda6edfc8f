// Package grpc exposes the vault over gRPC. The service is described by
// hand and exchanges google.protobuf.Struct messages, so clients need no
// generated stubs.
package grpc

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/access"
	"github.com/dmitrijs2005/pdsvault/internal/server/flags"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/dmitrijs2005/pdsvault/internal/server/permissions"
	"github.com/dmitrijs2005/pdsvault/internal/server/sharing"
	"google.golang.org/grpc"
)

type Accounts interface {
	CheckCredential(ctx context.Context, userID string, password []byte) bool
}

// Records is the access engine.
type Records interface {
	Query(ctx context.Context, req access.Request) ([]models.Record, error)
	Read(ctx context.Context, req access.Request) (models.Record, error)
	Write(ctx context.Context, req access.Request, m access.Mutation) (*access.MutationResult, error)
	ReadFile(ctx context.Context, req access.Request) (io.ReadCloser, error)
	AuthorizeFile(ctx context.Context, req access.Request) error
}

type Permissions interface {
	ByOwnerAndName(ctx context.Context, owner, requestorApp, requesteeApp, name string) (*models.PermissionGrant, error)
	List(ctx context.Context, owner, requesteeApp string) ([]*models.PermissionGrant, error)
	ApplyAction(ctx context.Context, req permissions.ActionRequest) (*permissions.ActionResult, error)
	ReconcileSchemaForApp(ctx context.Context, owner string, app *models.AppConfig) (*flags.Flags, error)
}

type Shares interface {
	Grant(ctx context.Context, s sharing.Share) (*models.AccessibleObject, error)
	Revoke(ctx context.Context, s sharing.Share) (*models.AccessibleObject, error)
	GrantField(ctx context.Context, s sharing.FieldShare) (*models.AccessibleObject, error)
	RevokeField(ctx context.Context, s sharing.FieldShare) (*models.AccessibleObject, error)
}

type Files interface {
	Write(ctx context.Context, owner, app, path string, r io.Reader, size int64) (*models.File, error)
	DownloadURL(ctx context.Context, owner, app, path string, ttl time.Duration) (*models.FileDownload, error)
}

type Apps interface {
	App(name string) (*models.AppConfig, bool)
}

type Backups interface {
	Export(ctx context.Context, owner, app string, collections []string) (*models.Export, error)
	Import(ctx context.Context, owner string, exp *models.Export, overwrite bool) (*flags.Flags, error)
}

// Services are the components the handlers call.
type Services struct {
	Accounts    Accounts
	Records     Records
	Permissions Permissions
	Shares      Shares
	Files       Files
	Apps        Apps
	Backups     Backups
}

type GRPCServer struct {
	address   string
	svc       Services
	logger    logging.Logger
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewGRPCServer(a string, l logging.Logger, svc Services, secretKey string, tokenTTL time.Duration) *GRPCServer {
	if l == nil {
		l = logging.Nop()
	}
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		svc:       svc,
		jwtSecret: []byte(secretKey),
		tokenTTL:  tokenTTL,
	}
}

// Register adds the vault service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

// NewServer returns a gRPC server with the vault's interceptors installed.
func (s *GRPCServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.errorInterceptor, s.accessTokenInterceptor))
	s.Register(srv)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
