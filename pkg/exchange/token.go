package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/tokencache"
)

// DelegationToken is a token obtained by exchange, scoped to one audience.
// It lives only in memory. Value redacts itself when formatted.
type DelegationToken struct {
	Value           auth.Secret
	Type            string
	Audience        string
	Scope           string
	IssuedTokenType string
	IssuedAt        time.Time
	ExpiresAt       time.Time

	// Claims holds the token's payload when it is a JWT. The token came
	// straight from the issuer's token endpoint and is not re-verified
	// here; the backend it is presented to verifies it.
	Claims map[string]any

	// Cached reports whether the token was served from the delegation
	// cache.
	Cached bool

	// Principal and Roles are the backend identity read from Claims by the
	// gateway, using the module's required and roles claims.
	Principal string
	Roles     []string
}

// Expired reports whether the token has expired at now.
func (t *DelegationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Claim returns a string claim, or "" when absent. name may be a dotted
// path into nested objects.
func (t *DelegationToken) Claim(name string) string {
	s, _ := t.claimAt(name).(string)
	return s
}

// ClaimValues returns a claim holding a string, an array of strings or a
// space-separated list. name may be a dotted path.
func (t *DelegationToken) ClaimValues(name string) []string {
	switch v := t.claimAt(name).(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (t *DelegationToken) claimAt(path string) any {
	var cur any = t.Claims
	for seg := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[seg]; !ok {
			return nil
		}
	}
	return cur
}

// String describes the token without its value.
func (t *DelegationToken) String() string {
	return fmt.Sprintf("DelegationToken(audience=%s, expires=%s, cached=%t)",
		t.Audience, t.ExpiresAt.Format(time.RFC3339), t.Cached)
}

func (t *DelegationToken) cacheForm() tokencache.Token {
	return tokencache.Token{
		Value:           t.Value.Value(),
		Type:            t.Type,
		Scope:           t.Scope,
		IssuedTokenType: t.IssuedTokenType,
		IssuedAt:        t.IssuedAt,
		ExpiresAt:       t.ExpiresAt,
	}
}

func fromCache(tok tokencache.Token, audience string) *DelegationToken {
	return &DelegationToken{
		Value:           auth.Secret(tok.Value),
		Type:            tok.Type,
		Audience:        audience,
		Scope:           tok.Scope,
		IssuedTokenType: tok.IssuedTokenType,
		IssuedAt:        tok.IssuedAt,
		ExpiresAt:       tok.ExpiresAt,
		Claims:          decodeClaims(tok.Value),
		Cached:          true,
	}
}

// decodeClaims returns the payload of a JWT without verifying it, or nil
// for opaque tokens.
func decodeClaims(raw string) map[string]any {
	if strings.Count(raw, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}

func expirationClaim(claims map[string]any) time.Time {
	if claims == nil {
		return time.Time{}
	}
	d, err := jwt.MapClaims(claims).GetExpirationTime()
	if err != nil || d == nil {
		return time.Time{}
	}
	return d.Time
}
