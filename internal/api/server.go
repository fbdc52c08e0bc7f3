// Package api serves the job control HTTP API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
	"github.com/CosmoTheDev/scanorch/models"
)

// JobStore is the job persistence behind the API.
type JobStore interface {
	Create(ctx context.Context, projectID string, cfg models.JobConfiguration) (*models.Job, error)
	Get(ctx context.Context, jobUUID string) (*models.Job, error)
	List(ctx context.Context, status string, limit int) ([]*models.Job, error)
	RequestCancel(ctx context.Context, jobUUID string) (*models.Job, error)
}

// ResultReader reads the product results of a job.
type ResultReader interface {
	FindByJob(ctx context.Context, jobUUID string) ([]*models.ProductResult, error)
	Payload(ctx context.Context, r *models.ProductResult) (string, error)
}

// Server is the HTTP control plane of scanorch.
type Server struct {
	cfg     config.ServerConfig
	jobs    JobStore
	results ResultReader
	wake    func()
}

// New returns a server. wake is called after a job was queued and may be nil.
func New(cfg config.ServerConfig, jobs JobStore, results ResultReader, wake func()) *Server {
	if wake == nil {
		wake = func() {}
	}
	return &Server{cfg: cfg, jobs: jobs, results: results, wake: wake}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{uuid}", s.handleGetJob)
		r.Post("/{uuid}/cancel", s.handleCancelJob)
		r.Get("/{uuid}/results", s.handleJobResults)
	})
	return r
}

// ListenAndServe serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	port := s.cfg.Port
	if port == 0 {
		port = 6090
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
