package auth

import (
	"fmt"
	"sort"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// ClaimField is a logical session field populated from a token claim.
type ClaimField string

const (
	ClaimSubject    ClaimField = "subject"
	ClaimName       ClaimField = "name"
	ClaimEmail      ClaimField = "email"
	ClaimRoles      ClaimField = "roles"
	ClaimScopes     ClaimField = "scopes"
	ClaimLegacyName ClaimField = "legacy_name"
)

// defaultClaimPaths are used for any logical field an issuer does not map.
var defaultClaimPaths = map[ClaimField]string{
	ClaimSubject:    "sub",
	ClaimName:       "name",
	ClaimEmail:      "email",
	ClaimRoles:      "roles",
	ClaimScopes:     "scope",
	ClaimLegacyName: "legacy_name",
}

// ClaimMapping resolves logical fields to values inside a token's claim set.
// Paths are dotted JSON paths into nested objects, e.g. "realm_access.roles"
// for Keycloak realm roles. A mapping is compiled once per issuer when the
// issuer set is built and is read-only afterwards.
type ClaimMapping struct {
	paths map[ClaimField][]string
}

// CompileClaimMapping validates a logical-field-to-path table and splits each
// path into segments. Unknown logical fields and empty path segments are
// rejected.
func CompileClaimMapping(table map[string]string) (*ClaimMapping, error) {
	m := &ClaimMapping{paths: make(map[ClaimField][]string, len(defaultClaimPaths))}
	for field, path := range defaultClaimPaths {
		m.paths[field] = strings.Split(path, ".")
	}
	for name, path := range table {
		field := ClaimField(name)
		if _, known := defaultClaimPaths[field]; !known {
			return nil, sserr.Newf(sserr.CodeValidation,
				"auth: unknown claim mapping field %q", name)
		}
		segments := strings.Split(path, ".")
		for _, seg := range segments {
			if seg == "" {
				return nil, sserr.Newf(sserr.CodeValidation,
					"auth: claim mapping for %q has an empty path segment in %q", name, path)
			}
		}
		m.paths[field] = segments
	}
	return m, nil
}

// Path returns the dotted path configured for field.
func (m *ClaimMapping) Path(field ClaimField) string {
	return strings.Join(m.paths[field], ".")
}

// String returns the claim at field's path when it is a string.
func (m *ClaimMapping) String(claims map[string]any, field ClaimField) string {
	v, ok := lookupClaim(claims, m.paths[field])
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return ""
}

// Strings returns the claim at field's path as a list. Arrays keep their
// string elements; a single string is split on whitespace, which covers the
// OAuth "scope" convention.
func (m *ClaimMapping) Strings(claims map[string]any, field ClaimField) []string {
	v, ok := lookupClaim(claims, m.paths[field])
	if !ok {
		return nil
	}
	switch vals := v.(type) {
	case string:
		return strings.Fields(vals)
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Fields lists the configured logical fields in a stable order.
func (m *ClaimMapping) Fields() []ClaimField {
	out := make([]ClaimField, 0, len(m.paths))
	for f := range m.paths {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lookupClaim(claims map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur any = claims
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
