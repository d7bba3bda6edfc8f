package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Every method takes
// and returns a google.protobuf.Struct.
const ServiceName = "pdsvault.v1.Vault"

const (
	MethodPing               = "Ping"
	MethodLogin              = "Login"
	MethodCreateRecord       = "CreateRecord"
	MethodReadRecord         = "ReadRecord"
	MethodQueryRecords       = "QueryRecords"
	MethodUpdateRecord       = "UpdateRecord"
	MethodDeleteRecord       = "DeleteRecord"
	MethodApplyPermission    = "ApplyPermission"
	MethodListPermissions    = "ListPermissions"
	MethodSyncAppPermissions = "SyncAppPermissions"
	MethodShareRecord        = "ShareRecord"
	MethodUnshareRecord      = "UnshareRecord"
	MethodWriteFile          = "WriteFile"
	MethodReadFile           = "ReadFile"
	MethodFileURL            = "FileURL"
	MethodExportApp          = "ExportApp"
	MethodImportApp          = "ImportApp"
)

// FullMethod returns the "/service/method" path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type structHandler func(s *GRPCServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return h(srv.(*GRPCServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, call)
		},
	}
}

// vaultServer is the handler type checked by grpc.Server.RegisterService.
type vaultServer interface {
	Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*vaultServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodPing, (*GRPCServer).Ping),
		unary(MethodLogin, (*GRPCServer).Login),
		unary(MethodCreateRecord, (*GRPCServer).CreateRecord),
		unary(MethodReadRecord, (*GRPCServer).ReadRecord),
		unary(MethodQueryRecords, (*GRPCServer).QueryRecords),
		unary(MethodUpdateRecord, (*GRPCServer).UpdateRecord),
		unary(MethodDeleteRecord, (*GRPCServer).DeleteRecord),
		unary(MethodApplyPermission, (*GRPCServer).ApplyPermission),
		unary(MethodListPermissions, (*GRPCServer).ListPermissions),
		unary(MethodSyncAppPermissions, (*GRPCServer).SyncAppPermissions),
		unary(MethodShareRecord, (*GRPCServer).ShareRecord),
		unary(MethodUnshareRecord, (*GRPCServer).UnshareRecord),
		unary(MethodWriteFile, (*GRPCServer).WriteFile),
		unary(MethodReadFile, (*GRPCServer).ReadFile),
		unary(MethodFileURL, (*GRPCServer).FileURL),
		unary(MethodExportApp, (*GRPCServer).ExportApp),
		unary(MethodImportApp, (*GRPCServer).ImportApp),
	},
	Streams: []grpc.StreamDesc{},
}

// Client calls the vault service over conn with plain maps.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
