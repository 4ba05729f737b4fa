package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil"
	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/audit"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

func newTestAuthenticator(t *testing.T, p *fixtures.Provider) (*Authenticator, *testutil.AuditLog) {
	t.Helper()
	log := &testutil.AuditLog{}
	a, err := NewAuthenticator(testValidator(t, p), testRoleMapper(t), WithAuditSink(log))
	require.NoError(t, err)
	return a, log
}

func TestAuthenticate_AdministratorMapsToAdmin(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)
	bearer := p.Mint(t, p.Claims(fixtures.Subject, "administrator"))

	session, err := a.Authenticate(context.Background(), bearer)
	require.NoError(t, err)

	assert.Equal(t, "admin", session.Role)
	assert.False(t, session.Rejected)
	assert.Equal(t, fixtures.Subject, session.Subject)
	assert.Equal(t, "Test User", session.Name)
	assert.Equal(t, "user@example.com", session.Email)
	assert.Equal(t, SessionID(p.Issuer(), fixtures.Subject), session.ID)
	assert.Equal(t, bearer, session.BearerToken.Value())
	assert.True(t, session.HasPermission("database", "drop", "billing"))
	assert.False(t, session.ExpiresAt.IsZero())

	require.Equal(t, 1, log.Len())
	entry := log.Last(t)
	assert.Equal(t, audit.SourceAuthentication, entry.Source)
	assert.Equal(t, ActionAuthenticate, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, fixtures.Subject, entry.Subject)
	assert.Equal(t, "admin", entry.Metadata["role"])
	assert.Equal(t, "RS256", entry.Metadata["alg"])
	assert.Equal(t, "test-idp", entry.Metadata["issuer"])
}

func TestAuthenticate_UnmappedRoleIsRejected(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)

	session, err := a.Authenticate(context.Background(), p.Mint(t, p.Claims(fixtures.Subject, "contractor")))
	testutil.RequireErrorCode(t, err, sserr.CodeAuthorizationUnassignedRole)

	require.NotNil(t, session)
	assert.True(t, session.Rejected)
	assert.NotEmpty(t, session.RejectionReason)
	assert.Empty(t, session.Role)
	assert.Zero(t, session.Permissions.Len())
	assert.Empty(t, session.Permissions.Strings())
	assert.False(t, session.HasPermission("database", "query", ""))

	require.Equal(t, 1, log.Len())
	entry := log.Last(t)
	assert.False(t, entry.Success)
	assert.Equal(t, string(sserr.CodeAuthorizationUnassignedRole), entry.ErrorCode)
	assert.Equal(t, fixtures.Subject, entry.Subject)
}

func TestAuthenticate_InvalidTokenAuditsUnverifiedSubject(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)

	claims := p.Claims("mallory", "admin")
	now := time.Now()
	claims["iat"] = now.Add(-20 * time.Minute).Unix()
	claims["exp"] = now.Add(-2 * time.Minute).Unix()
	session, err := a.Authenticate(context.Background(), p.Mint(t, claims))
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExpired)
	assert.Nil(t, session)

	require.Equal(t, 1, log.Len())
	entry := log.Last(t)
	assert.False(t, entry.Success)
	assert.Equal(t, "mallory", entry.Subject)
	assert.Equal(t, string(sserr.CodeAuthenticationExpired), entry.ErrorCode)
	assert.NotEmpty(t, entry.Error)
}

func TestAuthenticate_GarbageTokenHasNoSubject(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)

	_, err := a.Authenticate(context.Background(), "not-a-jwt")
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationInvalid)
	assert.Empty(t, log.Last(t).Subject)
}

func TestAuthenticate_MissingBearerIsAudited(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)

	session, err := a.Authenticate(context.Background(), "")
	assert.Nil(t, session)
	testutil.RequireErrorCode(t, err, sserr.CodeAuthentication)
	require.Equal(t, 1, log.Len())
	entry := log.Last(t)
	assert.False(t, entry.Success)
	assert.Equal(t, string(sserr.CodeAuthentication), entry.ErrorCode)
	assert.Empty(t, entry.Subject)
}

func TestAuthenticate_OneAuditEntryPerAttempt(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)
	good := p.Mint(t, p.Claims(fixtures.Subject, "viewer"))
	unmapped := p.Mint(t, p.Claims(fixtures.Subject, "contractor"))

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_, _ = a.Authenticate(context.Background(), good)
			case 1:
				_, _ = a.Authenticate(context.Background(), unmapped)
			default:
				_, _ = a.Authenticate(context.Background(), "garbage")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, log.Len())
}

func TestAuthenticate_SameSubjectSameSession(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, _ := newTestAuthenticator(t, p)

	first, err := a.Authenticate(context.Background(), p.Mint(t, p.Claims(fixtures.Subject, "viewer")))
	require.NoError(t, err)
	claims := p.Claims(fixtures.Subject, "viewer")
	claims["jti"] = "refreshed"
	second, err := a.Authenticate(context.Background(), p.Mint(t, claims))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.BearerHash(), second.BearerHash())
}

func TestAuthenticate_AuditSinkFailureDoesNotFailRequest(t *testing.T) {
	p := fixtures.NewProvider(t)
	failing := audit.SinkFunc(func(context.Context, audit.Entry) error {
		return sserr.New(sserr.CodeUnavailable, "sink down")
	})
	a, err := NewAuthenticator(testValidator(t, p), testRoleMapper(t), WithAuditSink(failing))
	require.NoError(t, err)

	session, err := a.Authenticate(context.Background(), p.Mint(t, p.Claims(fixtures.Subject, "admin")))
	require.NoError(t, err)
	assert.Equal(t, "admin", session.Role)
}

func TestNewAuthenticator_RequiresDependencies(t *testing.T) {
	p := fixtures.NewProvider(t)
	_, err := NewAuthenticator(nil, testRoleMapper(t))
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)
	_, err = NewAuthenticator(testValidator(t, p), nil)
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)
}
