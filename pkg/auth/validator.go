package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// maxTokenSize rejects oversized input before any parsing. Real-world JWTs
// are well under this; the limit bounds base64 and JSON decoding work.
const maxTokenSize = 8192

// TokenValidator validates a raw bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*ValidatedToken, error)
}

// ValidatedToken is the result of a successful validation: the matched
// issuer, the verified claim set and the fields extracted through the
// issuer's claim mapping.
type ValidatedToken struct {
	Issuer     *TrustedIssuer
	Algorithm  string
	Subject    string
	Name       string
	Email      string
	LegacyName string
	Roles      []string
	Scopes     []string
	Claims     map[string]any
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Validator validates bearer tokens against a set of trusted issuers.
//
// Its only mutable state is each issuer's [KeySet]. Validate never performs
// token exchange and is safe for concurrent use.
type Validator struct {
	issuers         *IssuerSet
	keys            map[*TrustedIssuer]*KeySet
	client          *http.Client
	refreshInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

var _ TokenValidator = (*Validator)(nil)

// ValidatorOption configures a [Validator].
type ValidatorOption func(*Validator)

// WithHTTPClient sets the client used for key fetches. The default has a
// 10 second timeout.
func WithHTTPClient(c *http.Client) ValidatorOption {
	return func(v *Validator) { v.client = c }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithClock replaces time.Now for expiry and key-cache decisions.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithKeyRefreshInterval sets the minimum spacing between key refreshes
// triggered by unknown key ids.
func WithKeyRefreshInterval(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.refreshInterval = d }
}

// NewValidator builds a validator over issuers. Endpoint discovery, if any,
// must already have run on the set.
func NewValidator(issuers *IssuerSet, opts ...ValidatorOption) (*Validator, error) {
	if issuers == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: issuer set must not be nil")
	}
	v := &Validator{
		issuers:         issuers,
		keys:            make(map[*TrustedIssuer]*KeySet),
		client:          &http.Client{Timeout: keyFetchTimeout},
		refreshInterval: DefaultKeyRefreshInterval,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	for _, iss := range issuers.All() {
		v.keys[iss] = newKeySet(iss, v.client, v.refreshInterval, v.now, v.logger)
	}
	return v, nil
}

// Issuers returns the trusted issuer set.
func (v *Validator) Issuers() *IssuerSet { return v.issuers }

// KeySet returns the key cache for iss, or nil for an unknown issuer.
func (v *Validator) KeySet(iss *TrustedIssuer) *KeySet { return v.keys[iss] }

// Validate checks raw against the trusted issuers.
//
// The header and claims are first decoded without verification, only to pick
// the issuer and check the declared algorithm against that issuer's
// allow-list. Signature verification and registered-claim checks then run
// with the allow-list enforced again inside the parser.
func (v *Validator) Validate(ctx context.Context, raw string) (_ *ValidatedToken, retErr error) {
	ctx, span := startSpan(ctx, "auth.Validate")
	defer func() {
		finishSpan(span, retErr)
		span.End()
	}()

	if raw == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token must not be empty")
	}
	if len(raw) > maxTokenSize {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
	}

	unverified, err := parseUnverified(raw)
	if err != nil {
		return nil, err
	}
	claims := unverified.Claims.(jwt.MapClaims)
	issuerURL, _ := claims.GetIssuer()
	audiences, _ := claims.GetAudience()
	alg, _ := unverified.Header["alg"].(string)

	iss, ok := v.issuers.Match(issuerURL, audiences)
	if !ok {
		if v.issuers.Knows(issuerURL) {
			return nil, sserr.New(sserr.CodeAuthenticationAudience, "auth: token audience is not accepted")
		}
		return nil, sserr.New(sserr.CodeAuthenticationUnknownIssuer, "auth: token issuer is not trusted")
	}
	span.SetAttributes(
		attribute.String("auth.issuer", iss.DisplayName()),
		attribute.String("auth.alg", alg),
	)

	if !iss.AllowsAlgorithm(alg) {
		return nil, sserr.Newf(sserr.CodeAuthenticationAlgorithm,
			"auth: algorithm %q is not allowed for this issuer", alg)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(iss.Algorithms),
		jwt.WithIssuer(iss.Issuer),
		jwt.WithAudience(iss.Audience),
		jwt.WithLeeway(iss.clockTolerance()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	token, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		if isHMAC(t.Method.Alg()) {
			return []byte(iss.SharedKey.Value()), nil
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys[iss].Key(ctx, kid)
	})
	if err != nil {
		return nil, classifyError(err)
	}

	verified := token.Claims.(jwt.MapClaims)
	result, err := v.extract(iss, alg, verified)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.subject", result.Subject))
	return result, nil
}

func (v *Validator) extract(iss *TrustedIssuer, alg string, claims jwt.MapClaims) (*ValidatedToken, error) {
	mapping := iss.Mapping()
	snapshot := map[string]any(claims)

	out := &ValidatedToken{
		Issuer:     iss,
		Algorithm:  alg,
		Subject:    mapping.String(snapshot, ClaimSubject),
		Name:       mapping.String(snapshot, ClaimName),
		Email:      mapping.String(snapshot, ClaimEmail),
		LegacyName: mapping.String(snapshot, ClaimLegacyName),
		Roles:      mapping.Strings(snapshot, ClaimRoles),
		Scopes:     mapping.Strings(snapshot, ClaimScopes),
		Claims:     snapshot,
	}
	if out.Subject == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token has no subject")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token has no issued-at time")
	}
	out.IssuedAt = iat.Time
	if age := v.now().Sub(iat.Time); age > iss.maxTokenAge()+iss.clockTolerance() {
		return nil, sserr.Newf(sserr.CodeAuthenticationTooOld,
			"auth: token was issued more than %s ago", iss.maxTokenAge())
	}
	return out, nil
}

// parseUnverified decodes header and claims without checking the signature.
// An unrecognised alg still yields the decoded token so the caller can report
// AlgorithmNotAllowed rather than a parse failure.
func parseUnverified(raw string) (*jwt.Token, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		if token == nil || !errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
		}
	}
	if _, ok := token.Claims.(jwt.MapClaims); !ok {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	}
	return token, nil
}

// UnverifiedSubject returns the "sub" claim of raw without verifying
// anything. It exists only to attribute failed attempts in the audit log and
// must never feed an authorization decision.
func UnverifiedSubject(raw string) string {
	if raw == "" || len(raw) > maxTokenSize {
		return ""
	}
	token, err := parseUnverified(raw)
	if err != nil {
		return ""
	}
	sub, _ := token.Claims.(jwt.MapClaims).GetSubject()
	return sub
}

// classifyError maps parser errors onto typed authentication codes.
// Structured errors raised inside the key function pass through unchanged.
func classifyError(err error) *sserr.Error {
	var ssErr *sserr.Error
	if errors.As(err, &ssErr) {
		return ssErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrap(err, sserr.CodeAuthenticationNotYetValid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationAudience, "auth: token audience is not accepted")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationUnknownIssuer, "auth: token issuer is not trusted")
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
}
