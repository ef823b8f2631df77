package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neurostuff/compose-runner/internal/analysis"
	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// JobRunner executes a job in-process.
type JobRunner interface {
	Run(ctx context.Context, job runner.Job) (*runner.Outcome, error)
}

// Deps holds the collaborators of a Server. Submitter and Status are
// required. Store enables the /runs ledger routes, Runner additionally
// enables starting local runs and Events their progress stream.
type Deps struct {
	Submitter *gateway.Submitter
	Status    *gateway.StatusChecker
	Registry  *analysis.Registry
	Store     store.Store
	Runner    JobRunner
	Events    *runner.EventBroker

	// Results is where local runs publish their metadata.
	Results model.ResultsLocation
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	addr   string

	// inflight tracks local runs started through POST /runs.
	inflight sync.WaitGroup
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if deps.Registry == nil {
		deps.Registry = analysis.DefaultRegistry()
	}
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/estimators", s.handleListEstimators)

	s.router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Post("/status", s.handleJobStatus)
		r.Get("/{job_id}", s.handleGetJob)
	})

	if s.deps.Store == nil {
		return
	}
	s.router.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/stats", s.handleGetRunStats)
		r.Get("/{id}", s.handleGetRun)
		if s.deps.Events != nil {
			r.Get("/{id}/events", s.handleStreamRunEvents)
		}
		if s.deps.Runner != nil {
			r.Post("/", s.handleStartRun)
		}
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Wait blocks until every local run started by this server has finished.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("waiting for local runs")
	s.Wait()
	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
