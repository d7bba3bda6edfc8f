package grpc

import (
	"encoding/json"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// decode fills v, a json-tagged request struct, from in.
func decode(in *structpb.Struct, v any) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Error(codes.InvalidArgument, "malformed request: "+err.Error())
	}
	return nil
}

// encode turns a json-tagged response into a Struct.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

var grpcCodes = map[string]codes.Code{
	common.CodeNotFound:          codes.NotFound,
	common.CodeDuplicateKey:      codes.AlreadyExists,
	common.CodeConnectionFailed:  codes.Unavailable,
	common.CodeUnavailable:       codes.Unavailable,
	common.CodeUserNotConfigured: codes.FailedPrecondition,
	common.CodeUnsupported:       codes.Unimplemented,
	common.CodeQuotaExceeded:     codes.ResourceExhausted,
	common.CodeAmbiguous:         codes.FailedPrecondition,
	common.CodeInvalidRecord:     codes.InvalidArgument,
	common.CodeAccessDenied:      codes.PermissionDenied,
	common.CodeNoSchema:          codes.FailedPrecondition,
	common.CodeUnauthorized:      codes.Unauthenticated,
}

// toStatus maps err onto a gRPC status carrying the stable code and the
// public message. Errors that already are statuses pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := common.Code(err)
	c, ok := grpcCodes[code]
	if !ok {
		c = codes.Internal
	}
	return status.Error(c, code+": "+common.Message(err))
}
