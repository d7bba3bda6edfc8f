package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/logging"
	"github.com/dmitrijs2005/pdsvault/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// helper to build server
func newTestServer(secret string) *GRPCServer {
	return NewGRPCServer("127.0.0.1:0", logging.Nop(), Services{}, secret, time.Minute)
}

func TestInterceptor_PublicMethod_AllowsWithoutToken(t *testing.T) {
	s := newTestServer("secret")

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodPing)}
	handlerCalled := false

	h := func(ctx context.Context, req interface{}) (interface{}, error) {
		handlerCalled = true
		return "ok", nil
	}

	resp, err := s.accessTokenInterceptor(context.Background(), nil, info, h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Fatal("handler was not called")
	}
	if resp != "ok" {
		t.Fatalf("unexpected handler resp: %v", resp)
	}
}

func TestInterceptor_Refusals(t *testing.T) {
	s := newTestServer("secret")

	expired, err := auth.GenerateToken("alice", "com.notes", []byte("secret"), -time.Second)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "bad.token"},
		{"expired token", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.token != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("access_token", tt.token))
			}
			info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodQueryRecords)}
			h := func(ctx context.Context, req interface{}) (interface{}, error) {
				t.Fatal("handler should not be called")
				return nil, nil
			}

			_, err := s.accessTokenInterceptor(ctx, nil, info, h)
			if status.Code(err) != codes.Unauthenticated {
				t.Fatalf("expected Unauthenticated, got %v", err)
			}
		})
	}
}

func TestInterceptor_ValidToken_PutsClaimsInContext(t *testing.T) {
	s := newTestServer("secret")

	tok, err := auth.GenerateToken("alice", "com.notes", []byte("secret"), time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("access_token", tok))
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodQueryRecords)}

	var got *auth.Claims
	h := func(ctx context.Context, req interface{}) (interface{}, error) {
		c, err := claimsFrom(ctx)
		got = c
		return nil, err
	}

	if _, err := s.accessTokenInterceptor(ctx, nil, info, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.UserID != "alice" || got.AppName != "com.notes" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}
