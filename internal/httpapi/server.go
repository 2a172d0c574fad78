// Package httpapi exposes the job orchestrator over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/config"
	"github.com/forPelevin/clipper/internal/types"
)

// Service is the subset of the orchestrator the API drives.
type Service interface {
	Submit(ctx context.Context, spec types.JobSpec) (types.Job, error)
	Get(ctx context.Context, id string) (types.Job, error)
	List(ctx context.Context) ([]types.Job, error)
	Cancel(ctx context.Context, id string) (types.Job, error)
	Narrate(ctx context.Context, id, script string) (types.Job, error)
	Artifact(ctx context.Context, id string, narrated bool) (types.Artifact, error)
}

type Server struct {
	cfg        config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg config.ServerConfig, svc Service, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(recovery(logger))

	humaConfig := huma.DefaultConfig("clipper API", version)
	humaConfig.Info.Description = "Clip extraction and editing jobs"
	api := humachi.New(router, humaConfig)

	h := &JobHandler{svc: svc, logger: logger}
	h.Register(api)
	router.Get("/api/v1/jobs/{id}/artifact", h.ServeArtifact)
	router.Handle("/metrics", promhttp.Handler())
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, func(context.Context, *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	return &Server{cfg: cfg, router: router, api: api, logger: logger}
}

type HealthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("starting server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.logger.Info("shutting down HTTP server", zap.Duration("timeout", timeout))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
