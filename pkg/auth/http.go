package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// HeaderAuthorization carries the bearer token, in HTTP headers and gRPC
// metadata alike.
const HeaderAuthorization = "authorization"

const bearerPrefix = "Bearer "

// SessionAuthenticator is implemented by [Authenticator].
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Session, error)
}

var _ SessionAuthenticator = (*Authenticator)(nil)

// ExtractBearerToken returns the token from an "Authorization: Bearer"
// value, or "" when the value is not a bearer credential. The scheme is
// matched case-insensitively.
func ExtractBearerToken(header string) string {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// HTTPMiddleware authenticates every request and stores the [Session] in the
// request context. Every request goes through a.Authenticate, with an empty
// token when the header is missing or not a bearer credential. Failures are answered with a JSON error body: 401 for
// authentication failures and 403 for tokens whose roles map to nothing.
//
//	r := chi.NewRouter()
//	r.Use(auth.HTTPMiddleware(authenticator))
func HTTPMiddleware(a SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// A missing or non-bearer header reaches Authenticate as "" so
			// the failure is audited like any other.
			token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			session, err := a.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes err as a JSON body with the status its code maps to.
// Errors without a code are reported as a generic internal error so their
// text never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Internal("internal error")
	}
	status := e.HTTPStatus()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(e.Code), Message: e.Message})
}
