package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const sessionKey contextKey = iota

// ContextWithSession returns a copy of ctx carrying session.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the session stored by [ContextWithSession].
// It never returns a non-nil session with false.
//
//	session, ok := auth.SessionFromContext(ctx)
//	if !ok || session.Rejected {
//	    return sserr.New(sserr.CodeAuthorizationDenied, "not authenticated")
//	}
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil
}

// MustSessionFromContext is [SessionFromContext] for code that only runs
// behind the authentication middleware. It panics when no session is set.
func MustSessionFromContext(ctx context.Context) *Session {
	s, ok := SessionFromContext(ctx)
	if !ok {
		panic("auth: no session in context; ensure authentication middleware is configured")
	}
	return s
}

// TraceIDFromContext returns the hex trace id of the active span, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
