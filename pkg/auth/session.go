package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"go.uber.org/zap/zapcore"
)

// Session is the per-request result of authentication. It lives for one
// request and is never stored by this package.
//
// A rejected session has an empty permission set and must not be used for
// any delegation call.
type Session struct {
	// ID identifies the (issuer, subject) pair. A refreshed bearer token for
	// the same subject yields the same ID.
	ID string

	Issuer     *TrustedIssuer
	Subject    string
	Name       string
	Email      string
	LegacyName string

	Role        string
	ExtraRoles  []string
	Permissions *PermissionSet
	Scopes      []string
	Claims      map[string]any

	Rejected        bool
	RejectionReason string

	// BearerToken is the token the session was built from. It is needed for
	// token exchange and to bind cached delegation tokens to the caller.
	BearerToken Secret

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionID derives the session id for subject at issuer.
func SessionID(issuer, subject string) string {
	h := sha256.New()
	h.Write([]byte(issuer))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}

// SubjectHash returns the hex SHA-256 of the subject, used where the
// subject must be referenced without being stored.
func (s *Session) SubjectHash() string {
	return HashToken(s.Subject)
}

// BearerHash returns the hex SHA-256 of the bearer token.
func (s *Session) BearerHash() string {
	return HashToken(s.BearerToken.Value())
}

// HasPermission reports whether the session grants resource:action, with
// an optional scope. A rejected or nil session grants nothing.
func (s *Session) HasPermission(resource, action, scope string) bool {
	if s == nil || s.Rejected {
		return false
	}
	return s.Permissions.Match(resource, action, scope)
}

// HasRole reports whether role is the primary role or one of the extra
// roles.
func (s *Session) HasRole(role string) bool {
	if s == nil || s.Rejected {
		return false
	}
	return s.Role == role || slices.Contains(s.ExtraRoles, role)
}

// Expired reports whether the underlying bearer token has expired at now.
// The issuer's clock tolerance applies, as it does during validation.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	deadline := s.ExpiresAt
	if s.Issuer != nil {
		deadline = deadline.Add(s.Issuer.clockTolerance())
	}
	return !now.Before(deadline)
}

// MarshalLogObject logs the session without the bearer token or claims.
func (s *Session) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", s.ID)
	enc.AddString("subject", s.Subject)
	if s.Issuer != nil {
		enc.AddString("issuer", s.Issuer.DisplayName())
	}
	enc.AddString("role", s.Role)
	enc.AddBool("rejected", s.Rejected)
	if s.RejectionReason != "" {
		enc.AddString("rejection_reason", s.RejectionReason)
	}
	return nil
}
