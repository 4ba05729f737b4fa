package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

type authenticatorFunc func(ctx context.Context, bearer string) (*Session, error)

func (f authenticatorFunc) Authenticate(ctx context.Context, bearer string) (*Session, error) {
	return f(ctx, bearer)
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":     "abc",
		"bearer abc":     "abc",
		"BEARER  abc ":   "abc",
		"Basic abc":      "",
		"Bearer ":        "",
		"":               "",
		"Bearerabc.defg": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtractBearerToken(in), "header %q", in)
	}
}

func serve(t *testing.T, a SessionAuthenticator, header string) (*httptest.ResponseRecorder, *Session) {
	t.Helper()
	var seen *Session
	r := chi.NewRouter()
	r.Use(HTTPMiddleware(a))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = MustSessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, seen
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHTTPMiddleware(t *testing.T) {
	p := fixtures.NewProvider(t)
	a, log := newTestAuthenticator(t, p)

	t.Run("valid token", func(t *testing.T) {
		rec, session := serve(t, a, "Bearer "+p.Mint(t, p.Claims(fixtures.Subject, "viewer")))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, session)
		assert.Equal(t, "viewer", session.Role)
	})

	for _, header := range []string{"", "Basic c3ZjOmh1bnRlcjI="} {
		t.Run("no bearer credential "+header, func(t *testing.T) {
			before := log.Len()
			rec, session := serve(t, a, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, session)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			assert.Equal(t, string(sserr.CodeAuthentication), decodeErrorBody(t, rec).Code)

			require.Equal(t, before+1, log.Len(), "the refusal is audited")
			entry := log.Last(t)
			assert.False(t, entry.Success)
			assert.Equal(t, string(sserr.CodeAuthentication), entry.ErrorCode)
		})
	}

	t.Run("invalid token", func(t *testing.T) {
		rec, _ := serve(t, a, "Bearer garbage")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, string(sserr.CodeAuthenticationInvalid), decodeErrorBody(t, rec).Code)
	})

	t.Run("unmapped role", func(t *testing.T) {
		rec, session := serve(t, a, "Bearer "+p.Mint(t, p.Claims(fixtures.Subject, "contractor")))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Nil(t, session, "rejected sessions never reach the handler")
		assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
		assert.Equal(t, string(sserr.CodeAuthorizationUnassignedRole), decodeErrorBody(t, rec).Code)
	})

	t.Run("issuer unavailable", func(t *testing.T) {
		down := authenticatorFunc(func(context.Context, string) (*Session, error) {
			return nil, sserr.New(sserr.CodeUnavailableIssuer, "auth: key endpoint unreachable")
		})
		rec, _ := serve(t, down, "Bearer x")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWriteError_HidesUncodedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: password authentication failed for user admin"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, string(sserr.CodeInternal), body.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
