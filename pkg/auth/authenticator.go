package auth

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/audit"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// ActionAuthenticate is the audit action recorded for every attempt.
const ActionAuthenticate = "authenticate"

// Authenticator turns a bearer token into a [Session]: validation, then role
// mapping. It keeps no per-session state and never performs token exchange.
type Authenticator struct {
	validator TokenValidator
	roles     *RoleMapper
	audit     *audit.Recorder
	logger    *zap.Logger
}

// AuthenticatorOption configures an [Authenticator].
type AuthenticatorOption func(*authenticatorOptions)

type authenticatorOptions struct {
	sink   audit.Sink
	logger *zap.Logger
}

// WithAuditSink sets where authentication attempts are recorded. Without
// it, attempts are written to the logger.
func WithAuditSink(sink audit.Sink) AuthenticatorOption {
	return func(o *authenticatorOptions) { o.sink = sink }
}

// WithAuthLogger sets the logger used for diagnostics and as the audit
// fallback.
func WithAuthLogger(l *zap.Logger) AuthenticatorOption {
	return func(o *authenticatorOptions) { o.logger = l }
}

// NewAuthenticator combines a validator and a role mapper.
func NewAuthenticator(v TokenValidator, roles *RoleMapper, opts ...AuthenticatorOption) (*Authenticator, error) {
	if v == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: validator must not be nil")
	}
	if roles == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: role mapper must not be nil")
	}
	o := authenticatorOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Authenticator{
		validator: v,
		roles:     roles,
		audit:     audit.NewRecorder(o.sink, o.logger),
		logger:    o.logger,
	}, nil
}

// Authenticate validates bearer and maps its roles. Exactly one audit entry
// is recorded per call, including calls with no credential at all: an
// empty bearer fails with AUTH_001.
//
// When the token is valid but its roles match no mapping, Authenticate
// returns the rejected Session together with an AUTHZ_004 error, so callers
// that only check the error fail closed while the session remains available
// for diagnostics.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (_ *Session, retErr error) {
	ctx, span := startSpan(ctx, "auth.Authenticate")
	defer func() {
		finishSpan(span, retErr)
		span.End()
	}()

	entry := audit.NewEntry(audit.SourceAuthentication, ActionAuthenticate)
	defer func() {
		if retErr != nil {
			entry.Success = false
			entry.ErrorCode = string(sserr.GetCode(retErr))
			entry.Error = errorMessage(retErr)
		}
		a.audit.Record(ctx, entry)
	}()

	if bearer == "" {
		return nil, sserr.New(sserr.CodeAuthentication, "auth: missing bearer token")
	}
	token, err := a.validator.Validate(ctx, bearer)
	if err != nil {
		entry.Subject = UnverifiedSubject(bearer)
		a.logger.Debug("auth: token rejected",
			zap.String("code", string(sserr.GetCode(err))),
			zap.String("subject", entry.Subject),
		)
		return nil, err
	}

	entry.Subject = token.Subject
	entry.Metadata["issuer"] = token.Issuer.DisplayName()
	entry.Metadata["alg"] = token.Algorithm

	assignment := a.roles.Map(token.Roles)
	session := &Session{
		ID:          SessionID(token.Issuer.Issuer, token.Subject),
		Issuer:      token.Issuer,
		Subject:     token.Subject,
		Name:        token.Name,
		Email:       token.Email,
		LegacyName:  token.LegacyName,
		Role:        assignment.Role,
		ExtraRoles:  assignment.ExtraRoles,
		Permissions: assignment.Permissions,
		Scopes:      token.Scopes,
		Claims:      token.Claims,
		BearerToken: Secret(bearer),
		IssuedAt:    token.IssuedAt,
		ExpiresAt:   token.ExpiresAt,
	}
	span.SetAttributes(attribute.String("auth.session", session.ID))

	if assignment.Unassigned {
		session.Rejected = true
		session.RejectionReason = "no role mapping matches the token's role claims"
		session.Permissions = NewPermissionSet(nil)
		return session, sserr.New(sserr.CodeAuthorizationUnassignedRole,
			"auth: token roles do not map to any configured role")
	}

	entry.Success = true
	entry.Metadata["role"] = session.Role
	span.SetAttributes(attribute.String("auth.role", session.Role))
	return session, nil
}

func errorMessage(err error) string {
	if e, ok := sserr.AsError(err); ok {
		return e.Message
	}
	return err.Error()
}
