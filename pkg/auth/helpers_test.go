package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil/fixtures"
)

// testIssuer returns an RS256 issuer pointing at p.
func testIssuer(p *fixtures.Provider) TrustedIssuer {
	return TrustedIssuer{
		Name:          "test-idp",
		Issuer:        p.Issuer(),
		Audience:      fixtures.Audience,
		JWKSURL:       p.JWKSURL(),
		TokenEndpoint: p.TokenURL(),
		Algorithms:    []string{"RS256"},
		ClientID:      fixtures.ClientID,
		ClientSecret:  fixtures.ClientSecret,
	}
}

func testIssuerSet(t *testing.T, issuers ...TrustedIssuer) *IssuerSet {
	t.Helper()
	set, err := NewIssuerSet(issuers)
	require.NoError(t, err)
	return set
}

func testValidator(t *testing.T, p *fixtures.Provider, opts ...ValidatorOption) *Validator {
	t.Helper()
	v, err := NewValidator(testIssuerSet(t, testIssuer(p)), opts...)
	require.NoError(t, err)
	return v
}

func testRoleMapper(t *testing.T) *RoleMapper {
	t.Helper()
	m, err := NewRoleMapper(RoleMappingConfig{
		Rules: []RoleRule{
			{Role: "admin", Accepts: []string{"admin", "administrator"}},
			{Role: "operator", Accepts: []string{"ops", "operator"}},
			{Role: "viewer", Accepts: []string{"viewer", "reader"}},
		},
		Permissions: map[string][]string{
			"admin":    {"*:*"},
			"operator": {"database:query", "database:execute:analytics"},
			"viewer":   {"database:query"},
		},
	})
	require.NoError(t, err)
	return m
}
