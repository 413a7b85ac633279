// Package server wires the Yatagarasu HTTP listener: health/readiness,
// the admin reload endpoint, Prometheus scraping, and the catch-all proxy
// dispatch into the request pipeline.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yatagarasu/yatagarasu/internal/auth"
	"github.com/yatagarasu/yatagarasu/internal/perr"
	"github.com/yatagarasu/yatagarasu/internal/pipeline"
	"github.com/yatagarasu/yatagarasu/internal/reload"
)

// Server is the Yatagarasu HTTP server: a Chi mux carrying the Huma admin
// surface plus a catch-all proxy dispatcher.
type Server struct {
	router     chi.Router
	api        huma.API
	pipeline   *pipeline.Pipeline
	reload     *reload.Controller
	adminAuth  *auth.Authenticator
	httpServer *http.Server
}

// HealthBody is the JSON body returned by GET /health.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Process liveness status"`
}

type healthOutput struct {
	Body HealthBody
}

// ReadyBody is the JSON body returned by GET /ready.
type ReadyBody struct {
	Status string `json:"status" example:"READY" doc:"Readiness status"`
}

type readyOutput struct {
	Body ReadyBody
}

// New builds a Server around an already-constructed Pipeline and reload
// Controller. adminAuth verifies the Bearer JWT required by POST
// /admin/reload; pass nil to leave that route unauthenticated (only
// appropriate when it is not reachable from outside a trusted network).
func New(p *pipeline.Pipeline, reloadCtl *reload.Controller, adminAuth *auth.Authenticator) *Server {
	mux := chi.NewMux()

	humaConfig := huma.DefaultConfig("Yatagarasu", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(mux, humaConfig)

	s := &Server{
		router:    mux,
		api:       api,
		pipeline:  p,
		reload:    reloadCtl,
		adminAuth: adminAuth,
	}

	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP listener on addr. Middleware chain
// (outermost first): metrics -> request ID -> catch-all dispatch.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = requestIDMiddleware(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Description: "Returns 200 while the process is alive, regardless of origin reachability.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness check",
		Description: "Returns 200 when at least one bucket is configured; 503 otherwise. Admission state and bucket reachability are not checked.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*readyOutput, error) {
		gen := s.pipeline.Generation()
		if gen == nil || len(gen.Config.Buckets) == 0 {
			return nil, huma.Error503ServiceUnavailable("no buckets configured")
		}
		return &readyOutput{Body: ReadyBody{Status: "READY"}}, nil
	})

	// /admin/reload needs the raw request for token extraction, which
	// doesn't fit Huma's typed-input model cleanly; registered directly on
	// the Chi mux instead.
	s.router.Post("/admin/reload", s.handleAdminReload)

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	if s.adminAuth != nil {
		if err := s.adminAuth.Authenticate(r); err != nil {
			perr.WriteError(w, perr.AsProxyError(err))
			return
		}
	}

	result := s.reload.Reload()
	if !result.Success {
		perr.WriteError(w, perr.ErrBadRequest.WithField("reason", result.Error))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result.AsBody())
}

// dispatch routes every request not claimed by a registered route or
// /metrics into the request pipeline.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Handle(w, r)
}
