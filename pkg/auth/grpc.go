package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// UnaryServerInterceptor authenticates each unary call from its
// "authorization" metadata and stores the [Session] in the handler context.
// Failures are returned as gRPC status errors carrying only the error code
// and message.
func UnaryServerInterceptor(a SessionAuthenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticateGRPC(ctx, a)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(a SessionAuthenticator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticateGRPC(ss.Context(), a)
		if err != nil {
			return err
		}
		return handler(srv, &sessionStream{ServerStream: ss, ctx: ctx})
	}
}

// authenticateGRPC passes an empty token to a when the metadata carries no
// bearer credential, so the refusal is audited.
func authenticateGRPC(ctx context.Context, a SessionAuthenticator) (context.Context, error) {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(HeaderAuthorization); len(values) > 0 {
			token = ExtractBearerToken(values[0])
		}
	}

	session, err := a.Authenticate(ctx, token)
	if err != nil {
		return ctx, grpcStatus(err)
	}
	return ContextWithSession(ctx, session), nil
}

func grpcStatus(err error) error {
	e, ok := sserr.AsError(err)
	if !ok {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Errorf(e.GRPCCode(), "%s: %s", e.Code, e.Message)
}

type sessionStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *sessionStream) Context() context.Context { return s.ctx }
