package auth

import (
	"fmt"
	"strings"
)

// Permission grants an action on a resource, optionally limited to a scope.
// "*" in any field is a wildcard. An empty Scope is global.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    string `json:"scope,omitempty"`
}

// String renders the permission as "resource:action[:scope]".
func (p Permission) String() string {
	if p.Scope == "" || p.Scope == "*" {
		return p.Resource + ":" + p.Action
	}
	return p.Resource + ":" + p.Action + ":" + p.Scope
}

// Match reports whether p grants action on resource within scope. A check
// scope of "" or "*" matches any permission scope; a global permission
// matches any check scope.
func (p Permission) Match(resource, action, scope string) bool {
	if p.Resource != "*" && p.Resource != resource {
		return false
	}
	if p.Action != "*" && p.Action != action {
		return false
	}
	if scope == "" || scope == "*" || p.Scope == "" || p.Scope == "*" {
		return true
	}
	return p.Scope == scope
}

// ParsePermissionString parses "resource:action" or "resource:action:scope".
func ParsePermissionString(s string) (Permission, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Permission{}, fmt.Errorf("auth: invalid permission %q: want resource:action[:scope]", s)
	}
	p := Permission{Resource: parts[0], Action: parts[1]}
	if p.Resource == "" || p.Action == "" {
		return Permission{}, fmt.Errorf("auth: invalid permission %q: empty resource or action", s)
	}
	if len(parts) == 3 {
		if parts[2] == "" {
			return Permission{}, fmt.Errorf("auth: invalid permission %q: empty scope", s)
		}
		p.Scope = parts[2]
	}
	return p, nil
}

// ParsePermissions parses every entry, failing on the first malformed one.
func ParsePermissions(entries []string) ([]Permission, error) {
	out := make([]Permission, 0, len(entries))
	for _, e := range entries {
		p, err := ParsePermissionString(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RolePermissionMap is the role → permission table.
type RolePermissionMap map[string][]Permission

// ---------------------------------------------------------------------------
// PermissionSet
// ---------------------------------------------------------------------------

type resourceAction struct {
	resource string
	action   string
}

// PermissionSet is an immutable, deduplicated set of permissions. Exact
// grants are indexed for constant-time lookup; wildcard grants are scanned.
// A nil *PermissionSet behaves as the empty set.
type PermissionSet struct {
	exact     map[Permission]struct{}
	anyScope  map[resourceAction]struct{}
	wildcards []Permission
	all       []Permission
}

// NewPermissionSet builds a set from perms, preserving first-seen order.
func NewPermissionSet(perms []Permission) *PermissionSet {
	ps := &PermissionSet{
		exact:    make(map[Permission]struct{}, len(perms)),
		anyScope: make(map[resourceAction]struct{}, len(perms)),
	}
	seen := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		ps.all = append(ps.all, p)
		if p.Resource == "*" || p.Action == "*" || p.Scope == "*" {
			ps.wildcards = append(ps.wildcards, p)
			continue
		}
		ps.exact[p] = struct{}{}
		ps.anyScope[resourceAction{p.Resource, p.Action}] = struct{}{}
	}
	return ps
}

// Match reports whether any permission in the set grants the request.
func (ps *PermissionSet) Match(resource, action, scope string) bool {
	if ps == nil {
		return false
	}
	if _, ok := ps.exact[Permission{Resource: resource, Action: action, Scope: scope}]; ok {
		return true
	}
	if scope == "" || scope == "*" {
		if _, ok := ps.anyScope[resourceAction{resource, action}]; ok {
			return true
		}
	} else if _, ok := ps.exact[Permission{Resource: resource, Action: action}]; ok {
		return true
	}
	for _, p := range ps.wildcards {
		if p.Match(resource, action, scope) {
			return true
		}
	}
	return false
}

// Permissions returns a copy of the permissions in insertion order.
func (ps *PermissionSet) Permissions() []Permission {
	if ps == nil {
		return []Permission{}
	}
	out := make([]Permission, len(ps.all))
	copy(out, ps.all)
	return out
}

// Strings renders each permission with [Permission.String].
func (ps *PermissionSet) Strings() []string {
	perms := ps.Permissions()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// Len returns the number of distinct permissions.
func (ps *PermissionSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.all)
}
