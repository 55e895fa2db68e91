// Package api exposes jobs over HTTP: creation, lookup, cancellation and a
// server-sent event stream per job.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/promptlab/internal/connpool"
	"github.com/ahrav/promptlab/internal/job"
)

// Submitter queues a created job for execution.
type Submitter interface {
	Submit(id string) error
}

// Server serves the job API.
type Server struct {
	svc       *job.Service
	submitter Submitter
	pool      *connpool.Pool
	gatherer  prometheus.Gatherer
	heartbeat time.Duration
	logger    *slog.Logger
	// live is false when job events are produced in another process and
	// nothing relays them to this one.
	live bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

// WithoutLiveStream makes the stream endpoint refuse jobs that are not yet
// terminal instead of waiting for events that can never arrive.
func WithoutLiveStream() Option { return func(s *Server) { s.live = false } }

// NewServer creates the API over svc. Created jobs are handed to submitter.
func NewServer(svc *job.Service, submitter Submitter, pool *connpool.Pool, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		submitter: submitter,
		pool:      pool,
		heartbeat: 15 * time.Second,
		logger:    slog.Default().With("component", "api"),
		live:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		requestLogger(s.logger),
		middleware.Recoverer,
	)

	router.Get("/healthz", s.health)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/providers", s.listProviders)
		r.Get("/metrics/plugins", s.listPlugins)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/stream", s.streamJob)
			})
		})
	})
	return router
}

// Run serves on listener until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, listener net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpServer.SetKeepAlivesEnabled(false)
		_ = httpServer.Shutdown(ctxTimeout)
		s.logger.Info("api server terminated")
	}()

	s.logger.Info("serving api", "addr", listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
