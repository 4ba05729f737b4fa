// Package gateway dispatches calls to delegation modules on behalf of
// authenticated sessions.
//
// [Gateway.Dispatch] is the only path to a module. It refuses rejected
// sessions, resolves the module in the [Registry], asks the module whether
// the session may use it, and runs the call with a [DelegationContext] that
// exchanges the caller's token only if the module asks for one. Every call
// produces exactly one audit entry, whatever the outcome.
//
// Errors leaving Dispatch are safe to show to the caller. Backend errors
// are replaced by a sanitized summary and panics by a generic internal
// error.
package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/audit"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// Gateway dispatches to registered modules. It is safe for concurrent use.
type Gateway struct {
	registry  *Registry
	exchanger Exchanger
	audit     *audit.Recorder
	logger    *zap.Logger
	now       func() time.Time

	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
}

// Option configures a [Gateway].
type Option func(*options)

type options struct {
	exchanger Exchanger
	sink      audit.Sink
	logger    *zap.Logger
	now       func() time.Time
	provider  metric.MeterProvider
}

// WithExchanger enables delegation tokens. Without it,
// [DelegationContext.Token] fails with INT_003.
func WithExchanger(e Exchanger) Option {
	return func(o *options) { o.exchanger = e }
}

// WithAuditSink sets where dispatch entries are recorded. Without it,
// entries are written to the logger.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLogger sets the logger, which is also the audit fallback.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMeterProvider sets the provider for dispatch metrics.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.provider = p }
}

// New returns a gateway over registry.
func New(registry *Registry, opts ...Option) (*Gateway, error) {
	if registry == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "gateway: registry must not be nil")
	}
	o := options{logger: zap.NewNop(), now: time.Now, provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.provider.Meter(instrumentationName)
	dispatches, err := meter.Int64Counter("gateway.dispatches",
		metric.WithDescription("Module calls by module and outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("gateway.dispatch.duration",
		metric.WithDescription("Module call duration."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Gateway{
		registry:   registry,
		exchanger:  o.exchanger,
		audit:      audit.NewRecorder(o.sink, o.logger),
		logger:     o.logger.Named("gateway"),
		now:        o.now,
		dispatches: dispatches,
		duration:   duration,
	}, nil
}

// Registry returns the gateway's module registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Dispatch calls action on the module registered as moduleName for
// session.
//
// Failures, in the order they are checked:
//
//   - a nil or rejected session: AUTHZ_002
//   - an expired session: AUTH_002
//   - no ready module under moduleName: NF_004
//   - the module's CheckAccess refuses the session: AUTHZ_002
//   - the module fails: typed core errors (exchange, delegation) keep
//     their code, anything else is UNAVAIL_005 with a sanitized message
//   - the module panics: INT_001
//
// Nothing is retried.
func (g *Gateway) Dispatch(ctx context.Context, moduleName string, session *auth.Session, action string, params map[string]any) (res *Result, retErr error) {
	ctx, span := startSpan(ctx, "gateway.Dispatch",
		attribute.String("gateway.module", moduleName),
		attribute.String("gateway.action", action),
	)
	start := g.now()

	entry := audit.NewEntry(audit.SourceGateway, action)
	entry.Resource = moduleName
	entry.Metadata["module"] = moduleName
	var dc *DelegationContext

	defer func() {
		elapsed := g.now().Sub(start)
		entry.Metadata["duration_ms"] = elapsed.Milliseconds()
		if dc != nil {
			if audiences, hits := dc.summary(); len(audiences) > 0 {
				entry.Metadata["delegations"] = audiences
				entry.Metadata["delegation_cache_hits"] = hits
			}
		}
		outcome := "ok"
		if retErr != nil {
			entry.Success = false
			entry.ErrorCode = string(sserr.GetCode(retErr))
			entry.Error = errorMessage(retErr)
			outcome = entry.ErrorCode
		} else {
			entry.Success = true
			if res != nil && len(res.Metadata) > 0 {
				entry.Metadata["result"] = res.Metadata
			}
		}
		g.audit.Record(ctx, entry)

		attrs := metric.WithAttributes(
			attribute.String("module", moduleName),
			attribute.String("outcome", outcome),
		)
		mctx := context.WithoutCancel(ctx)
		g.dispatches.Add(mctx, 1, attrs)
		g.duration.Record(mctx, float64(elapsed)/float64(time.Millisecond), attrs)

		finishSpan(span, retErr)
		span.End()
	}()

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("module panicked",
				zap.String("module", moduleName),
				zap.String("action", action),
				zap.String("panic", Sanitize(panicText(p))),
				zap.Stack("stack"),
			)
			res = nil
			retErr = sserr.Internal("gateway: internal error")
		}
	}()

	if session != nil {
		entry.Subject = session.Subject
		entry.Metadata["session"] = session.ID
		entry.Metadata["role"] = session.Role
	}
	if session == nil || session.Rejected {
		return nil, sserr.New(sserr.CodeAuthorizationDenied, "gateway: session is not authorized for delegation")
	}
	if session.Expired(g.now()) {
		return nil, sserr.New(sserr.CodeAuthenticationExpired, "gateway: session has expired")
	}

	reg, ok := g.registry.lookup(moduleName)
	if !ok || reg.State() != StateReady {
		return nil, sserr.Newf(sserr.CodeNotFoundModule, "gateway: module %q is not available", moduleName)
	}
	if !reg.module.CheckAccess(ctx, session) {
		return nil, sserr.Newf(sserr.CodeAuthorizationDenied,
			"gateway: access to module %q denied", moduleName)
	}

	dc = newDelegationContext(session, g.exchanger, reg.cfg, g.now)
	res, err := reg.module.Dispatch(ctx, session, action, params, dc)
	if err != nil {
		return nil, g.moduleError(ctx, moduleName, err)
	}
	if res == nil {
		res = &Result{}
	}
	g.logger.Debug("dispatched",
		zap.String("module", moduleName),
		zap.String("action", action),
		zap.Object("session", session),
	)
	return res, nil
}

// moduleError turns a module failure into an error safe for the caller.
// Typed exchange, delegation, validation, timeout and configuration errors
// keep their code; anything else becomes UNAVAIL_005. The raw error is
// never kept as a cause.
func (g *Gateway) moduleError(ctx context.Context, moduleName string, err error) *sserr.Error {
	if e, ok := sserr.AsError(err); ok {
		switch {
		case e.Family() == sserr.FamilyExchange, e.Family() == sserr.FamilyDelegation,
			e.Code.Category() == "VAL", e.Code == sserr.CodeTimeout,
			e.Code == sserr.CodeInternalConfiguration:
			return sserr.New(e.Code, Sanitize(e.Message))
		}
	}
	if ctx.Err() != nil {
		return sserr.Newf(sserr.CodeTimeout, "gateway: module %q call was cancelled", moduleName)
	}

	detail := Sanitize(err.Error())
	g.logger.Warn("module call failed",
		zap.String("module", moduleName),
		zap.String("error", detail),
	)
	return sserr.Newf(sserr.CodeUnavailableBackend, "gateway: module %q backend error: %s", moduleName, detail)
}

func errorMessage(err error) string {
	if e, ok := sserr.AsError(err); ok {
		return e.Message
	}
	return Sanitize(err.Error())
}

func panicText(p any) string {
	switch v := p.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return "non-error panic value"
	}
}

// Health reports each module's health.
func (g *Gateway) Health(ctx context.Context) map[string]ModuleHealth {
	return g.registry.Health(ctx)
}

// Shutdown shuts every module down.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.registry.Shutdown(ctx)
}
