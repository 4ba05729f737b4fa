package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

func TestRoleMapper_Map_AliasMatchesPrimaryRole(t *testing.T) {
	m := testRoleMapper(t)

	got := m.Map([]string{"administrator"})
	assert.False(t, got.Unassigned)
	assert.Equal(t, "admin", got.Role)
	assert.Empty(t, got.ExtraRoles)
	assert.True(t, got.Permissions.Match("anything", "at-all", ""))
}

func TestRoleMapper_Map_PriorityAndExtraRoles(t *testing.T) {
	m := testRoleMapper(t)

	got := m.Map([]string{"reader", "ops", "unknown"})
	assert.Equal(t, "operator", got.Role, "earlier rule wins regardless of claim order")
	assert.Equal(t, []string{"viewer"}, got.ExtraRoles)
	assert.ElementsMatch(t, []string{"database:query", "database:execute:analytics"}, got.Permissions.Strings())
}

func TestRoleMapper_Map_Unassigned(t *testing.T) {
	m := testRoleMapper(t)

	for _, roles := range [][]string{{"contractor"}, nil, {}} {
		got := m.Map(roles)
		assert.True(t, got.Unassigned)
		assert.Empty(t, got.Role)
		assert.Empty(t, got.ExtraRoles)
		assert.Zero(t, got.Permissions.Len())
	}
}

func TestRoleMapper_Map_ExplicitDefaultRole(t *testing.T) {
	m, err := NewRoleMapper(RoleMappingConfig{
		Rules:       []RoleRule{{Role: "admin", Accepts: []string{"admin"}}},
		Permissions: map[string][]string{"guest": {"status:read"}},
		DefaultRole: "guest",
	})
	require.NoError(t, err)

	got := m.Map([]string{"contractor"})
	assert.False(t, got.Unassigned)
	assert.Equal(t, "guest", got.Role)
	assert.Equal(t, []string{"status:read"}, got.Permissions.Strings())
}

func TestNewRoleMapper_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  RoleMappingConfig
		code sserr.Code
	}{
		{"rule without role", RoleMappingConfig{Rules: []RoleRule{{Accepts: []string{"x"}}}}, sserr.CodeValidationRequired},
		{"rule without values", RoleMappingConfig{Rules: []RoleRule{{Role: "x"}}}, sserr.CodeValidationRequired},
		{"bad permission", RoleMappingConfig{Permissions: map[string][]string{"x": {"nocolon"}}}, sserr.CodeValidationFormat},
		{"dangling default", RoleMappingConfig{DefaultRole: "ghost"}, sserr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRoleMapper(tt.cfg)
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestRoleMapper_PermissionsFor(t *testing.T) {
	m := testRoleMapper(t)
	perms := m.PermissionsFor("viewer")
	require.Len(t, perms, 1)
	perms[0].Action = "drop"
	assert.Equal(t, "query", m.PermissionsFor("viewer")[0].Action)
	assert.Empty(t, m.PermissionsFor("nobody"))
}
