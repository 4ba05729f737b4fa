package gateway

import (
	"context"
	"slices"
	"strings"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// Module is a delegation backend: a database account switcher, a directory
// service, a generic HTTP client. The gateway owns the module's lifecycle
// and wraps every call to Dispatch in exactly one audit entry, so modules do
// not audit their own calls.
//
// Implementations must be safe for concurrent use once Initialize has
// returned.
type Module interface {
	// Name is the registry key. It must be non-empty and stable.
	Name() string

	// Initialize prepares the module. It is called once, by
	// [Registry.Register]. A module whose Initialize fails is never
	// dispatched to.
	Initialize(ctx context.Context, cfg ModuleConfig) error

	// Dispatch performs action for session. dc obtains delegation tokens
	// on demand; a module that does not need one never touches it and no
	// exchange happens.
	Dispatch(ctx context.Context, session *auth.Session, action string, params map[string]any, dc *DelegationContext) (*Result, error)

	// CheckAccess reports whether session may use the module at all. It is
	// called before every Dispatch and must not block on the network.
	CheckAccess(ctx context.Context, session *auth.Session) bool

	// HealthCheck reports whether the module's backend is reachable.
	HealthCheck(ctx context.Context) bool

	// Shutdown releases the module's resources.
	Shutdown(ctx context.Context) error
}

// ModuleConfig is a module's section of the gateway configuration.
type ModuleConfig struct {
	// Audience is the default audience for delegation tokens requested
	// through [DelegationContext.Token].
	Audience string `yaml:"audience" json:"audience"`

	// Scope is the default scope sent with those requests.
	Scope string `yaml:"scope" json:"scope"`

	// RequiredClaim names a claim every delegation token for the module
	// must carry as a non-empty string, typically the backend account
	// ("legacy_name"). Its value becomes the token's Principal.
	RequiredClaim string `yaml:"required_claim" json:"required_claim"`

	// RolesClaim is the path of the backend roles inside delegation
	// tokens. Defaults to "roles".
	RolesClaim string `yaml:"roles_claim" json:"roles_claim"`

	// Settings holds module-specific options.
	Settings map[string]any `yaml:"settings" json:"settings"`
}

// DefaultRolesClaim is used when a module sets no RolesClaim.
const DefaultRolesClaim = "roles"

// Validate checks the claim paths.
func (c ModuleConfig) Validate() error {
	for _, path := range []string{c.RequiredClaim, c.RolesClaim} {
		if path != "" && slices.Contains(strings.Split(path, "."), "") {
			return sserr.Newf(sserr.CodeValidation, "gateway: claim path %q has an empty segment", path)
		}
	}
	return nil
}

func (c ModuleConfig) rolesClaim() string {
	if c.RolesClaim == "" {
		return DefaultRolesClaim
	}
	return c.RolesClaim
}

// Setting returns a string setting, or "" when absent.
func (c ModuleConfig) Setting(key string) string {
	s, _ := c.Settings[key].(string)
	return s
}

// Result is what a module returns from a successful call.
type Result struct {
	Data any `json:"data,omitempty"`

	// Metadata is copied into the call's audit entry under "result".
	// Modules must not put secrets in it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RequirePermission returns a CheckAccess implementation that admits
// sessions holding resource:action in any scope.
func RequirePermission(resource, action string) func(context.Context, *auth.Session) bool {
	return func(_ context.Context, s *auth.Session) bool {
		return s.HasPermission(resource, action, "")
	}
}
