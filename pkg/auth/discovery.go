package auth

import (
	"context"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// providerMetadata is the subset of the discovery document not exposed by
// oidc.Provider's typed accessors.
type providerMetadata struct {
	JWKSURI string `json:"jwks_uri"`
}

// Discover fills empty JWKSURL and TokenEndpoint fields of every issuer that
// has Discover set, using the provider's
// /.well-known/openid-configuration document. Call it once at startup,
// before the set is handed to a [Validator]; the set is not safe for
// concurrent mutation.
func (s *IssuerSet) Discover(ctx context.Context, client *http.Client) error {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	for _, iss := range s.ordered {
		if !iss.Discover || (iss.JWKSURL != "" && iss.TokenEndpoint != "") {
			continue
		}
		provider, err := oidc.NewProvider(ctx, iss.Issuer)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeUnavailableIssuer,
				"auth: discovery failed for issuer %q", iss.Issuer)
		}
		var meta providerMetadata
		if err := provider.Claims(&meta); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalUnexpectedResponse,
				"auth: malformed discovery document for issuer %q", iss.Issuer)
		}
		if iss.JWKSURL == "" {
			iss.JWKSURL = meta.JWKSURI
		}
		if iss.TokenEndpoint == "" {
			iss.TokenEndpoint = provider.Endpoint().TokenURL
		}
		if iss.JWKSURL == "" {
			return sserr.Newf(sserr.CodeInternalUnexpectedResponse,
				"auth: discovery document for issuer %q has no jwks_uri", iss.Issuer)
		}
	}
	return nil
}
