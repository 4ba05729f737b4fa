// Package exchange performs on-demand RFC 8693 token exchange: it trades a
// caller's bearer token for a token scoped to a backend audience.
//
// Exchange is lazy. Authentication never calls it; a delegation module asks
// for a token only when it is about to call a backend. When a [TokenCache]
// is configured and the request carries a [CacheKey], the cache is consulted
// first and filled after a successful exchange. Cache problems are never
// surfaced.
//
// The client never retries. Each failure is returned with a typed code and
// the caller decides whether to try again.
package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/tokencache"
)

const instrumentationName = "github.com/StricklySoft/stricklysoft-delegation/pkg/exchange"

// TokenCache is the subset of [tokencache.Cache] the client uses.
type TokenCache interface {
	ActivateSession(sessionID, subjectHash string) bool
	Get(sessionID, bearer, audience string) (tokencache.Token, bool)
	Set(sessionID, bearer, audience string, tok tokencache.Token) bool
}

var _ TokenCache = (*tokencache.Cache)(nil)

// CacheKey identifies the caller's cache session.
type CacheKey struct {
	SessionID   string
	SubjectHash string
}

// Request is one exchange.
type Request struct {
	// SubjectToken is the caller's bearer token.
	SubjectToken auth.Secret

	// Issuer supplies the token endpoint, client credentials and token
	// type overrides.
	Issuer *auth.TrustedIssuer

	Audience string

	// Scope is a space-separated scope list. Optional.
	Scope string

	// CacheKey enables the delegation cache for this request.
	CacheKey *CacheKey
}

func (r Request) validate() error {
	switch {
	case r.SubjectToken.IsEmpty():
		return sserr.New(sserr.CodeValidationRequired, "exchange: subject token is required")
	case r.Issuer == nil:
		return sserr.New(sserr.CodeValidationRequired, "exchange: issuer is required")
	case r.Issuer.TokenEndpoint == "":
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"exchange: issuer %q has no token endpoint", r.Issuer.DisplayName())
	case r.Audience == "":
		return sserr.New(sserr.CodeValidationRequired, "exchange: audience is required")
	}
	return nil
}

// cacheSlot is the cache audience for a request. Tokens for the same
// audience with different scopes are cached apart.
func (r Request) cacheSlot() string {
	if r.Scope == "" {
		return r.Audience
	}
	return r.Audience + " " + r.Scope
}

// Client performs token exchanges. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      TokenCache
	now        func() time.Time
	logger     *zap.Logger
	requests   metric.Int64Counter
}

// Option configures a [Client].
type Option func(*options)

type options struct {
	httpClient *http.Client
	cache      TokenCache
	now        func() time.Time
	logger     *zap.Logger
	provider   metric.MeterProvider
}

// WithHTTPClient sets the client used to reach token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCache enables the delegation cache. Leave it out to always exchange
// over the network.
func WithCache(c TokenCache) Option {
	return func(o *options) { o.cache = c }
}

// WithClock replaces time.Now for expiry computation.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Token values are never logged.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider sets the provider for the exchange.requests counter.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.provider = p }
}

// New returns a client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		logger:     zap.NewNop(),
		provider:   otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	requests, err := o.provider.Meter(instrumentationName).Int64Counter("exchange.requests",
		metric.WithDescription("Delegation token requests by outcome."))
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: o.httpClient,
		cache:      o.cache,
		now:        o.now,
		logger:     o.logger.Named("exchange"),
		requests:   requests,
	}, nil
}

// CacheEnabled reports whether a delegation cache is configured.
func (c *Client) CacheEnabled() bool { return c.cache != nil }

type result struct {
	token *DelegationToken
	err   error
}

// Exchange returns a delegation token for req.Audience.
//
// The network call runs detached from ctx's cancellation, bounded by the
// configured timeout. If ctx ends first, Exchange returns at once; the
// exchange may still complete and fill the cache, but its token is never
// returned to this caller.
func (c *Client) Exchange(ctx context.Context, req Request) (_ *DelegationToken, retErr error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "exchange.Exchange")
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("exchange.audience", req.Audience),
		attribute.String("exchange.issuer", req.Issuer.DisplayName()),
	)

	caching := c.cache != nil && req.CacheKey != nil &&
		c.cache.ActivateSession(req.CacheKey.SessionID, req.CacheKey.SubjectHash)
	if caching {
		if tok, ok := c.cache.Get(req.CacheKey.SessionID, req.SubjectToken.Value(), req.cacheSlot()); ok {
			span.SetAttributes(attribute.Bool("exchange.cached", true))
			c.count(ctx, "cache_hit")
			return fromCache(tok, req.Audience), nil
		}
	}

	done := make(chan result, 1)
	go func() {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		tok, err := c.exchange(fetchCtx, req)
		if err == nil && caching {
			c.cache.Set(req.CacheKey.SessionID, req.SubjectToken.Value(), req.cacheSlot(), tok.cacheForm())
		}
		done <- result{token: tok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.count(ctx, string(sserr.GetCode(res.err)))
			c.logger.Debug("token exchange failed",
				zap.String("audience", req.Audience),
				zap.String("code", string(sserr.GetCode(res.err))),
			)
			return nil, res.err
		}
		c.count(ctx, "exchanged")
		c.logger.Debug("token exchanged",
			zap.String("audience", req.Audience),
			zap.Time("expires_at", res.token.ExpiresAt),
		)
		return res.token, nil
	case <-ctx.Done():
		c.count(ctx, "cancelled")
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeTimeout,
			"exchange: caller went away before the exchange completed")
	}
}

func (c *Client) count(ctx context.Context, outcome string) {
	c.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// exchange performs the token endpoint round trip.
func (c *Client) exchange(ctx context.Context, req Request) (*DelegationToken, error) {
	iss := req.Issuer
	subjectType := iss.SubjectTokenType
	if subjectType == "" {
		subjectType = c.cfg.SubjectTokenType
	}
	requestedType := iss.RequestedTokenType
	if requestedType == "" {
		requestedType = c.cfg.RequestedTokenType
	}

	params := url.Values{
		"grant_type":         {GrantTypeTokenExchange},
		"subject_token":      {req.SubjectToken.Value()},
		"subject_token_type": {subjectType},
		"audience":           {req.Audience},
	}
	if requestedType != "" {
		params.Set("requested_token_type", requestedType)
	}
	cc := clientcredentials.Config{
		ClientID:       iss.ClientID,
		ClientSecret:   iss.ClientSecret.Value(),
		TokenURL:       iss.TokenEndpoint,
		Scopes:         strings.Fields(req.Scope),
		EndpointParams: params,
		AuthStyle:      c.cfg.authStyle(),
	}

	issuedAt := c.now()
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		return nil, classify(err)
	}

	dt := &DelegationToken{
		Value:           auth.Secret(tok.AccessToken),
		Type:            tok.Type(),
		Audience:        req.Audience,
		Scope:           req.Scope,
		IssuedTokenType: extraString(tok, "issued_token_type"),
		IssuedAt:        issuedAt,
		Claims:          decodeClaims(tok.AccessToken),
	}
	if granted := extraString(tok, "scope"); granted != "" {
		dt.Scope = granted
	}
	dt.ExpiresAt = c.expiry(tok, dt.Claims, issuedAt)
	return dt, nil
}

// expiry prefers expires_in measured on this client's clock, then the
// library's computed expiry, then the JWT exp claim, then the default
// lifetime.
func (c *Client) expiry(tok *oauth2.Token, claims map[string]any, issuedAt time.Time) time.Time {
	if secs := extraInt(tok, "expires_in"); secs > 0 {
		return issuedAt.Add(time.Duration(secs) * time.Second)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if exp := expirationClaim(claims); !exp.IsZero() {
		return exp
	}
	return issuedAt.Add(c.cfg.DefaultLifetime)
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

// extraInt reads a numeric response field. JSON responses yield float64,
// form-encoded ones int64.
func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// classify maps a token endpoint failure to a typed error. The endpoint's
// raw response is kept as the cause only.
func classify(err error) *sserr.Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch {
		case rerr.Response != nil && rerr.Response.StatusCode >= http.StatusInternalServerError:
			return sserr.Wrapf(err, sserr.CodeUnavailableIssuer,
				"exchange: token endpoint returned status %d", rerr.Response.StatusCode)
		case rerr.ErrorCode == "invalid_grant":
			return sserr.Wrap(err, sserr.CodeExchangeInvalidGrant,
				"exchange: the issuer refused the subject token")
		case rerr.ErrorCode != "":
			return sserr.Wrapf(err, sserr.CodeExchangeRejected,
				"exchange: token endpoint rejected the request (%s)", rerr.ErrorCode)
		default:
			return sserr.Wrap(err, sserr.CodeExchangeRejected, "exchange: token endpoint rejected the request")
		}
	}

	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeUnavailableIssuer, "exchange: token endpoint unreachable")
	}
	return sserr.Wrap(err, sserr.CodeInternalUnexpectedResponse, "exchange: unexpected token endpoint response")
}
