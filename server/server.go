// Package server exposes the admin HTTP API for the job engine:
// template catalog listings, job definition CRUD, manual triggers,
// execution history, and an aggregate status endpoint.
package server

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sangamhq/jobengine/scheduler"
	"github.com/sangamhq/jobengine/store"
	"github.com/sangamhq/jobengine/template"
)

// Server holds the admin API dependencies.
type Server struct {
	store     *store.Store
	catalog   *template.Catalog
	scheduler *scheduler.Scheduler
	logger    *zap.SugaredLogger
	validate  *validator.Validate
	startedAt time.Time

	http *http.Server
}

// New builds the admin server listening on addr.
func New(addr string, st *store.Store, catalog *template.Catalog, sched *scheduler.Scheduler, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		store:     st,
		catalog:   catalog,
		scheduler: sched,
		logger:    logger,
		validate:  v,
		startedAt: time.Now().UTC(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the mux router with all admin routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api/admin/scheduler").Subrouter()

	api.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{type}", s.handleGetTemplate).Methods(http.MethodGet)

	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleUpdateJob).Methods(http.MethodPut)
	api.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/run", s.handleRunJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/executions", s.handleListJobExecutions).Methods(http.MethodGet)

	api.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts serving until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("Admin API listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// adminUser resolves the acting operator from the X-Admin-User header.
// Authentication itself happens upstream of this service.
func adminUser(r *http.Request) string {
	if user := r.Header.Get("X-Admin-User"); user != "" {
		return user
	}
	return "admin"
}
