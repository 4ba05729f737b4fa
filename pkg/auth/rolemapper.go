package auth

import (
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// RoleRule maps a set of accepted claim values to one internal role.
type RoleRule struct {
	Role    string   `yaml:"role" json:"role"`
	Accepts []string `yaml:"accepts" json:"accepts"`
}

// RoleMappingConfig is the role-mapping table. Rules are evaluated in order;
// earlier rules have higher priority.
type RoleMappingConfig struct {
	Rules []RoleRule `yaml:"rules" json:"rules"`

	// Permissions maps internal role names to "resource:action[:scope]"
	// grants.
	Permissions map[string][]string `yaml:"permissions" json:"permissions"`

	// DefaultRole, when set, is assigned to tokens that match no rule.
	// Leaving it empty fails closed.
	DefaultRole string `yaml:"default_role" json:"default_role"`
}

// RoleAssignment is the outcome of mapping a token's role claims.
type RoleAssignment struct {
	Role        string
	ExtraRoles  []string
	Permissions *PermissionSet

	// Unassigned is set when no rule matched and no default role is
	// configured. Role is empty and Permissions is empty.
	Unassigned bool
}

// RoleMapper turns claim role values into an internal role and permissions.
// It is immutable after construction.
type RoleMapper struct {
	rules       []compiledRule
	permissions RolePermissionMap
	defaultRole string
}

type compiledRule struct {
	role    string
	accepts map[string]struct{}
}

// NewRoleMapper validates cfg and compiles the accepted-value sets.
func NewRoleMapper(cfg RoleMappingConfig) (*RoleMapper, error) {
	m := &RoleMapper{
		permissions: make(RolePermissionMap, len(cfg.Permissions)),
		defaultRole: cfg.DefaultRole,
	}
	for role, grants := range cfg.Permissions {
		perms, err := ParsePermissions(grants)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidationFormat,
				"auth: role %q has an invalid permission", role)
		}
		m.permissions[role] = perms
	}

	known := make(map[string]struct{}, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Role == "" {
			return nil, sserr.Newf(sserr.CodeValidationRequired, "auth: role rule %d has no role", i)
		}
		if len(r.Accepts) == 0 {
			return nil, sserr.Newf(sserr.CodeValidationRequired,
				"auth: role rule %q accepts no claim values", r.Role)
		}
		accepts := make(map[string]struct{}, len(r.Accepts))
		for _, v := range r.Accepts {
			accepts[v] = struct{}{}
		}
		m.rules = append(m.rules, compiledRule{role: r.Role, accepts: accepts})
		known[r.Role] = struct{}{}
	}

	if cfg.DefaultRole != "" {
		_, isRule := known[cfg.DefaultRole]
		_, hasPerms := m.permissions[cfg.DefaultRole]
		if !isRule && !hasPerms {
			return nil, sserr.Newf(sserr.CodeValidation,
				"auth: default role %q is neither mapped nor granted permissions", cfg.DefaultRole)
		}
	}
	return m, nil
}

// Map assigns a role for the given claim values. The first rule whose
// accepted values intersect claimRoles becomes the primary role; later
// matching rules become extra roles. Permissions are the union over the
// primary and extra roles.
func (m *RoleMapper) Map(claimRoles []string) RoleAssignment {
	var matched []string
	seen := make(map[string]struct{})
	for _, rule := range m.rules {
		if _, dup := seen[rule.role]; dup {
			continue
		}
		for _, v := range claimRoles {
			if _, ok := rule.accepts[v]; ok {
				matched = append(matched, rule.role)
				seen[rule.role] = struct{}{}
				break
			}
		}
	}

	if len(matched) == 0 {
		if m.defaultRole == "" {
			return RoleAssignment{Unassigned: true, Permissions: NewPermissionSet(nil)}
		}
		matched = []string{m.defaultRole}
	}

	var perms []Permission
	for _, role := range matched {
		perms = append(perms, m.permissions[role]...)
	}
	return RoleAssignment{
		Role:        matched[0],
		ExtraRoles:  append([]string{}, matched[1:]...),
		Permissions: NewPermissionSet(perms),
	}
}

// PermissionsFor returns the permissions granted to a single role.
func (m *RoleMapper) PermissionsFor(role string) []Permission {
	return append([]Permission(nil), m.permissions[role]...)
}
