package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

func serveGateway(t *testing.T, g *testGateway, withSession bool, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	if withSession {
		session := testSession(g.clock)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(auth.ContextWithSession(req.Context(), session)))
			})
		})
	}
	r.Mount("/", g.Routes())

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Dispatch(t *testing.T) {
	m := &fakeModule{name: "db"}
	g := newTestGateway(t, nil, m)

	rec := serveGateway(t, g, true, http.MethodPost, "/modules/db/query", `{"sql":"select 1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "query", body.Data["action"])
	assert.Equal(t, map[string]any{"sql": "select 1"}, m.lastParams)
}

func TestRoutes_DispatchEmptyBody(t *testing.T) {
	g := newTestGateway(t, nil, &fakeModule{name: "db"})
	rec := serveGateway(t, g, true, http.MethodPost, "/modules/db/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_DispatchErrors(t *testing.T) {
	tests := []struct {
		name        string
		withSession bool
		path        string
		body        string
		status      int
		code        sserr.Code
	}{
		{"no session", false, "/modules/db/query", `{}`, http.StatusForbidden, sserr.CodeAuthorizationDenied},
		{"unknown module", true, "/modules/mail/send", `{}`, http.StatusNotFound, sserr.CodeNotFoundModule},
		{"body not an object", true, "/modules/db/query", `[1,2]`, http.StatusBadRequest, sserr.CodeValidationFormat},
		{"malformed body", true, "/modules/db/query", `{"sql":`, http.StatusBadRequest, sserr.CodeValidationFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, nil, &fakeModule{name: "db"})
			rec := serveGateway(t, g, tt.withSession, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body.Code)
		})
	}
}

func TestRoutes_Health(t *testing.T) {
	g := newTestGateway(t, nil, &fakeModule{name: "db"})
	rec := serveGateway(t, g, false, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"modules":{"db":{"state":"ready","healthy":true}}}`, rec.Body.String())

	g = newTestGateway(t, nil, &fakeModule{name: "db"}, &fakeModule{name: "http", unhealthy: true})
	rec = serveGateway(t, g, false, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
