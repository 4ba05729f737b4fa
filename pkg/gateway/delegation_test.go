package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/exchange"
)

var backendClaims = map[string]any{
	"sub":         "alice",
	"legacy_name": "ALICE01",
	"roles":       []any{"reader"},
	"app": map[string]any{
		"roles": []any{"db_reader", "db_writer"},
	},
}

func TestDelegationContext_BindsBackendIdentity(t *testing.T) {
	tests := []struct {
		name          string
		cfg           ModuleConfig
		wantPrincipal string
		wantRoles     []string
	}{
		{
			name:          "required claim and nested roles",
			cfg:           ModuleConfig{Audience: "urn:db", RequiredClaim: "legacy_name", RolesClaim: "app.roles"},
			wantPrincipal: "ALICE01",
			wantRoles:     []string{"db_reader", "db_writer"},
		},
		{
			name:      "default roles claim",
			cfg:       ModuleConfig{Audience: "urn:db"},
			wantRoles: []string{"reader"},
		},
		{
			name:          "absent roles claim",
			cfg:           ModuleConfig{Audience: "urn:db", RequiredClaim: "sub", RolesClaim: "groups"},
			wantPrincipal: "alice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			ex := &fakeExchanger{now: clock.Now, claims: backendClaims}
			dc := newDelegationContext(testSession(clock), ex, tt.cfg, clock.Now)

			tok, err := dc.Token(context.Background(), "", "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrincipal, tok.Principal)
			assert.Equal(t, tt.wantRoles, tok.Roles)

			again, err := dc.Token(context.Background(), "", "")
			require.NoError(t, err)
			assert.Same(t, tok, again)
			assert.Len(t, ex.Requests(), 1)
		})
	}
}

func TestDelegationContext_MissingRequiredClaim(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
	}{
		{"claim absent", backendClaims},
		{"claim not a string", map[string]any{"employee_id": 4711}},
		{"claim empty", map[string]any{"employee_id": ""}},
		{"opaque token", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			ex := &fakeExchanger{now: clock.Now, claims: tt.claims}
			dc := newDelegationContext(testSession(clock), ex,
				ModuleConfig{Audience: "urn:db", RequiredClaim: "employee_id"}, clock.Now)

			tok, err := dc.Token(context.Background(), "", "")
			assert.Nil(t, tok)
			testutil.AssertErrorCode(t, err, sserr.CodeExchangeMissingClaim)
			assert.Contains(t, err.Error(), "employee_id")
			assert.NotContains(t, err.Error(), "delegated-for")
		})
	}
}

func TestDelegationContext_BindDoesNotModifyExchangerToken(t *testing.T) {
	clock := newFakeClock()
	shared := &exchange.DelegationToken{Audience: "urn:db", Claims: backendClaims}
	dc := newDelegationContext(testSession(clock), staticExchanger{tok: shared},
		ModuleConfig{Audience: "urn:db", RequiredClaim: "legacy_name"}, clock.Now)

	tok, err := dc.Token(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "ALICE01", tok.Principal)
	assert.Empty(t, shared.Principal)
	assert.Nil(t, shared.Roles)
}

func TestDispatch_MissingRequiredClaim(t *testing.T) {
	m := &fakeModule{name: "db", dispatch: func(ctx context.Context, _ *auth.Session, _ string, _ map[string]any, dc *DelegationContext) (*Result, error) {
		_, err := dc.Token(ctx, "", "")
		return nil, err
	}}
	g := newTestGateway(t, &fakeExchanger{claims: map[string]any{"sub": "alice"}})
	require.NoError(t, g.Registry().Register(context.Background(), m,
		ModuleConfig{Audience: "urn:db", RequiredClaim: "legacy_name"}))

	_, err := g.Dispatch(context.Background(), "db", testSession(g.clock), "query", nil)
	testutil.AssertErrorCode(t, err, sserr.CodeExchangeMissingClaim)

	entries := g.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, string(sserr.CodeExchangeMissingClaim), entries[0].ErrorCode)
}

func TestModuleConfig_Validate(t *testing.T) {
	assert.NoError(t, ModuleConfig{RequiredClaim: "legacy_name", RolesClaim: "app.roles"}.Validate())
	assert.NoError(t, ModuleConfig{}.Validate())

	for _, cfg := range []ModuleConfig{
		{RequiredClaim: "app..name"},
		{RolesClaim: ".roles"},
		{RolesClaim: "roles."},
	} {
		err := cfg.Validate()
		assert.True(t, sserr.HasCode(err, sserr.CodeValidation), "got %v", err)
	}
}

type staticExchanger struct {
	tok *exchange.DelegationToken
}

func (s staticExchanger) CacheEnabled() bool { return false }

func (s staticExchanger) Exchange(context.Context, exchange.Request) (*exchange.DelegationToken, error) {
	return s.tok, nil
}
