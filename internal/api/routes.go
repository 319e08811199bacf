// Package api provides HTTP handlers and routing for the clusterflow server.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers. Extra
// middleware (authentication, rate limiting) runs after the built-in
// CORS, logging and recovery layers.
func NewServer(h *Handlers, mws ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(mws)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(mws []mux.MiddlewareFunc) {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Workflows
	api.HandleFunc("/workflows/validate", s.handlers.ValidateWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{name}", s.handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{name}", s.handlers.PutWorkflow).Methods("PUT")
	api.HandleFunc("/workflows/{name}", s.handlers.DeleteWorkflow).Methods("DELETE")

	// Cluster jobs and capacity
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.CancelJob).Methods("DELETE")
	api.HandleFunc("/resources", s.handlers.GetResources).Methods("GET")

	// Reports
	api.HandleFunc("/reports/now", s.handlers.CurrentReport).Methods("GET")
	api.HandleFunc("/reports/object", s.handlers.GetReport).Methods("GET")
	api.HandleFunc("/reports", s.handlers.ListReports).Methods("GET")

	// Job history
	api.HandleFunc("/history/recent", s.handlers.RecentJobs).Methods("GET")
	api.HandleFunc("/history/stats", s.handlers.HistoryStats).Methods("GET")
	api.HandleFunc("/history/workflows/{name}", s.handlers.WorkflowHistory).Methods("GET")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")
	api.HandleFunc("/runstore/selfcheck", s.handlers.RunStoreSelfCheck).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(mws...)
}
