package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/exchange"
)

// Exchanger obtains delegation tokens. [*exchange.Client] implements it.
type Exchanger interface {
	Exchange(ctx context.Context, req exchange.Request) (*exchange.DelegationToken, error)
	CacheEnabled() bool
}

var _ Exchanger = (*exchange.Client)(nil)

// DelegationContext is handed to [Module.Dispatch] for one call. It
// exchanges the caller's bearer token on demand and remembers the tokens it
// obtained until the call ends.
type DelegationContext struct {
	session   *auth.Session
	exchanger Exchanger
	defaults  ModuleConfig
	now       func() time.Time

	mu     sync.Mutex
	tokens map[string]*exchange.DelegationToken
	used   []delegation
}

type delegation struct {
	audience string
	cached   bool
}

func newDelegationContext(session *auth.Session, ex Exchanger, defaults ModuleConfig, now func() time.Time) *DelegationContext {
	return &DelegationContext{
		session:   session,
		exchanger: ex,
		defaults:  defaults,
		now:       now,
		tokens:    make(map[string]*exchange.DelegationToken),
	}
}

// Session returns the caller's session.
func (d *DelegationContext) Session() *auth.Session { return d.session }

// Token returns a delegation token for audience and scope. Empty arguments
// fall back to the module's configured audience and scope.
//
// Within one call, repeated requests for the same audience and scope reuse
// the first token until it expires. Across calls, reuse is up to the
// delegation cache, when one is configured.
//
// A token without the module's required claim is refused with AUTHZ_007.
// The returned token carries the claim's value as Principal and the
// backend roles found at the module's roles claim.
func (d *DelegationContext) Token(ctx context.Context, audience, scope string) (*exchange.DelegationToken, error) {
	if d.exchanger == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway: token exchange is not configured")
	}
	if audience == "" {
		audience = d.defaults.Audience
	}
	if scope == "" {
		scope = d.defaults.Scope
	}
	if audience == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "gateway: delegation audience is required")
	}

	key := audience + " " + scope
	d.mu.Lock()
	defer d.mu.Unlock()
	if tok, ok := d.tokens[key]; ok && !tok.Expired(d.now()) {
		return tok, nil
	}

	req := exchange.Request{
		SubjectToken: d.session.BearerToken,
		Issuer:       d.session.Issuer,
		Audience:     audience,
		Scope:        scope,
	}
	if d.exchanger.CacheEnabled() {
		req.CacheKey = &exchange.CacheKey{
			SessionID:   d.session.ID,
			SubjectHash: d.session.SubjectHash(),
		}
	}
	tok, err := d.exchanger.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if tok, err = d.bind(tok); err != nil {
		return nil, err
	}
	d.tokens[key] = tok
	d.used = append(d.used, delegation{audience: audience, cached: tok.Cached})
	return tok, nil
}

// bind reads the backend identity from tok into a copy, so a token the
// exchanger shares with other callers is never modified.
func (d *DelegationContext) bind(tok *exchange.DelegationToken) (*exchange.DelegationToken, error) {
	bound := *tok
	if name := d.defaults.RequiredClaim; name != "" {
		bound.Principal = tok.Claim(name)
		if bound.Principal == "" {
			return nil, sserr.Newf(sserr.CodeExchangeMissingClaim,
				"gateway: delegation token for %q has no %q claim", tok.Audience, name)
		}
	}
	bound.Roles = tok.ClaimValues(d.defaults.rolesClaim())
	return &bound, nil
}

// summary returns the audiences delegated to and how many tokens came from
// the cache.
func (d *DelegationContext) summary() ([]string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	audiences := make([]string, 0, len(d.used))
	hits := 0
	for _, u := range d.used {
		audiences = append(audiences, u.audience)
		if u.cached {
			hits++
		}
	}
	return audiences, hits
}
