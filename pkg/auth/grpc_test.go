package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

func incoming(kv ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
}

func TestUnaryServerInterceptor(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)
	intercept := UnaryServerInterceptor(a)

	var seen *Session
	handler := func(ctx context.Context, req any) (any, error) {
		seen = MustSessionFromContext(ctx)
		return "ok", nil
	}

	tests := []struct {
		name string
		ctx  context.Context
		code codes.Code
	}{
		{"no metadata", context.Background(), codes.Unauthenticated},
		{"no authorization", incoming("x-other", "v"), codes.Unauthenticated},
		{"wrong scheme", incoming(HeaderAuthorization, "Basic abc"), codes.Unauthenticated},
		{"invalid token", incoming(HeaderAuthorization, "Bearer garbage"), codes.Unauthenticated},
		{"unmapped role", incoming(HeaderAuthorization, "Bearer "+p.Mint(t, p.Claims(fixtures.Subject, "contractor"))), codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			before := log.Len()
			resp, err := intercept(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, handler)
			assert.Nil(t, resp)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Nil(t, seen)
			assert.Equal(t, before+1, log.Len(), "every refusal is audited")
		})
	}

	t.Run("valid token", func(t *testing.T) {
		ctx := incoming(HeaderAuthorization, "Bearer "+p.Mint(t, p.Claims(fixtures.Subject, "ops")))
		resp, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
		require.NotNil(t, seen)
		assert.Equal(t, "operator", seen.Role)
	})
}

func TestGRPCStatus_CarriesCodeNotCause(t *testing.T) {
	err := grpcStatus(sserr.Wrap(assert.AnError, sserr.CodeAuthenticationExpired, "auth: token expired"))
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, "AUTH_002: auth: token expired", st.Message())
	assert.NotContains(t, st.Message(), assert.AnError.Error())

	assert.Equal(t, codes.Internal, status.Code(grpcStatus(assert.AnError)))
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func TestStreamServerInterceptor(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, _ := newTestAuthenticator(t, p)
	intercept := StreamServerInterceptor(a)

	var seen *Session
	handler := func(_ any, ss grpc.ServerStream) error {
		seen = MustSessionFromContext(ss.Context())
		return nil
	}

	ctx := incoming(HeaderAuthorization, "Bearer "+p.Mint(t, p.Claims(fixtures.Subject, "reader")))
	err := intercept(nil, &fakeServerStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/svc/S"}, handler)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "viewer", seen.Role)

	seen = nil
	err = intercept(nil, &fakeServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Nil(t, seen)
}
