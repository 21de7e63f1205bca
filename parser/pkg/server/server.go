package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  chi.Router
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/dags", func(r chi.Router) {
		r.Get("/", s.listDAGsHandler)
		r.Get("/{id}", s.getDAGHandler)
		r.Get("/{id}/graph", s.graphHandler)
		r.Post("/{id}/runs", s.triggerHandler)
	})
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Debug("readyz: not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("not ready\n")); err != nil {
				s.log.Error("failed to write readyz response", "error", err)
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type dagSummary struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Tasks    int    `json:"tasks"`
	Failing  bool   `json:"failing"`
}

func (s *Server) listDAGsHandler(w http.ResponseWriter, r *http.Request) {
	dags := s.cfg.DAGs()
	out := make([]dagSummary, 0, len(dags))
	for _, d := range dags {
		failing := false
		for _, task := range d.Tasks {
			if task.Kind == dag.KindValidationError {
				failing = true
			}
		}
		out = append(out, dagSummary{ID: d.ID, Schedule: d.Schedule, Tasks: len(d.Tasks), Failing: failing})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) findDAG(w http.ResponseWriter, r *http.Request) *dag.DAG {
	id := chi.URLParam(r, "id")
	for _, d := range s.cfg.DAGs() {
		if d.ID == id {
			return d
		}
	}
	http.Error(w, fmt.Sprintf("dag %s not found", id), http.StatusNotFound)
	return nil
}

func (s *Server) getDAGHandler(w http.ResponseWriter, r *http.Request) {
	if d := s.findDAG(w, r); d != nil {
		s.writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) graphHandler(w http.ResponseWriter, r *http.Request) {
	d := s.findDAG(w, r)
	if d == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(d.OutputGraph())); err != nil {
		s.log.Error("failed to write graph response", "error", err)
	}
}

type triggerResponse struct {
	DAGID         string `json:"dag_id"`
	ExecutionDate string `json:"execution_date"`
}

// triggerHandler starts a run for ?ds=YYYY-MM-DD.
func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Trigger == nil {
		http.Error(w, "triggering runs is disabled", http.StatusNotImplemented)
		return
	}
	d := s.findDAG(w, r)
	if d == nil {
		return
	}
	executionDate, err := time.Parse(time.DateOnly, r.URL.Query().Get("ds"))
	if err != nil {
		http.Error(w, "ds must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Trigger(context.WithoutCancel(r.Context()), d, executionDate); err != nil {
		s.log.Error("server: failed to trigger run", "dag_id", d.ID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusAccepted, triggerResponse{DAGID: d.ID, ExecutionDate: executionDate.Format(time.DateOnly)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
