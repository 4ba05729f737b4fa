package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// maxParamsBytes bounds a dispatch request body.
const maxParamsBytes = 1 << 20

// Routes returns the gateway's HTTP surface:
//
//	POST /modules/{module}/{action}  JSON object body as params
//	GET  /health                     module health report
//
// The dispatch route expects [auth.HTTPMiddleware] (or anything else that
// stores a session with [auth.ContextWithSession]) in front of it.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/modules/{module}/{action}", g.serveDispatch)
	r.Get("/health", g.serveHealth)
	return r
}

func (g *Gateway) serveDispatch(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	params := map[string]any{}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxParamsBytes))
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		auth.WriteError(w, sserr.New(sserr.CodeValidationFormat, "gateway: request body must be a JSON object"))
		return
	}

	res, err := g.Dispatch(r.Context(), chi.URLParam(r, "module"), session, chi.URLParam(r, "action"), params)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := g.Health(r.Context())
	status := http.StatusOK
	for _, h := range report {
		if !h.Healthy {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{"modules": report})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
