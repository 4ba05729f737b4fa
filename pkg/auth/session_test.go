package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSessionID(t *testing.T) {
	a := SessionID("https://idp", "alice")
	assert.Len(t, a, 64)
	assert.Equal(t, a, SessionID("https://idp", "alice"))
	assert.NotEqual(t, a, SessionID("https://idp", "bob"))
	assert.NotEqual(t, SessionID("ab", "c"), SessionID("a", "bc"), "issuer and subject are separated")
}

func TestSession_Hashes(t *testing.T) {
	s := &Session{Subject: "alice", BearerToken: "token-value"}
	assert.Equal(t, HashToken("alice"), s.SubjectHash())
	assert.Equal(t, HashToken("token-value"), s.BearerHash())
	assert.NotContains(t, s.BearerHash(), "token-value")
}

func TestSession_Permissions(t *testing.T) {
	s := &Session{
		Role:        "operator",
		ExtraRoles:  []string{"viewer"},
		Permissions: NewPermissionSet([]Permission{{Resource: "database", Action: "query"}}),
	}
	assert.True(t, s.HasPermission("database", "query", ""))
	assert.False(t, s.HasPermission("database", "drop", ""))
	assert.True(t, s.HasRole("operator"))
	assert.True(t, s.HasRole("viewer"))
	assert.False(t, s.HasRole("admin"))

	s.Rejected = true
	assert.False(t, s.HasPermission("database", "query", ""))
	assert.False(t, s.HasRole("operator"))

	var none *Session
	assert.False(t, none.HasPermission("database", "query", ""))
	assert.False(t, none.HasRole("operator"))
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Session{}).Expired(now), "no expiry never expires")
	assert.False(t, (&Session{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Session{ExpiresAt: now}).Expired(now))

	iss := &TrustedIssuer{Issuer: "https://idp"}
	withinSkew := &Session{Issuer: iss, ExpiresAt: now.Add(-DefaultClockTolerance + time.Second)}
	assert.False(t, withinSkew.Expired(now), "validation accepts exp within the tolerance")
	assert.True(t, (&Session{Issuer: iss, ExpiresAt: now.Add(-DefaultClockTolerance)}).Expired(now))

	iss.ClockTolerance = 5 * time.Second
	assert.True(t, withinSkew.Expired(now))
}

func TestSession_LogOmitsSecrets(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := &Session{
		ID:          SessionID("https://idp", "alice"),
		Issuer:      &TrustedIssuer{Name: "corp", Issuer: "https://idp"},
		Subject:     "alice",
		Role:        "admin",
		BearerToken: "super-secret-bearer",
		Claims:      map[string]any{"ssn": "123-45-6789"},
	}
	zap.New(core).Info("session", zap.Object("session", s))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()["session"].(map[string]any)
	assert.Equal(t, "alice", fields["subject"])
	assert.Equal(t, "corp", fields["issuer"])
	assert.NotContains(t, fields, "bearer_token")
	assert.NotContains(t, fields, "claims")
}

func TestSessionContext(t *testing.T) {
	ctx := context.Background()
	_, ok := SessionFromContext(ctx)
	assert.False(t, ok)
	assert.Panics(t, func() { MustSessionFromContext(ctx) })

	_, ok = SessionFromContext(ContextWithSession(ctx, nil))
	assert.False(t, ok, "a nil session is not a session")

	s := &Session{Subject: "alice"}
	ctx = ContextWithSession(ctx, s)
	got, ok := SessionFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Same(t, s, MustSessionFromContext(ctx))

	_, ok = TraceIDFromContext(ctx)
	assert.False(t, ok)
}
