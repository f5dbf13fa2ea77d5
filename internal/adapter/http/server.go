package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/queue"
)

// ActiveLister lists the events currently discharging.
type ActiveLister interface {
	Active() []domain.Event
}

// QueueLister lists the entries held by the publish queue.
type QueueLister interface {
	Snapshot() []queue.Entry
}

// Server exposes health, readiness, metrics, and read-only API endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and
// the /api routes. API requests are rate limited per client IP.
func NewServer(addr string, ready sharedobs.ReadinessChecker, active ActiveLister, q QueueLister, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Get("/events/active", handleActive(active))
		r.Get("/queue", handleQueue(q))
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type activeResponse struct {
	Count  int            `json:"count"`
	Events []domain.Event `json:"events"`
}

func handleActive(lister ActiveLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		events := lister.Active()
		sharedobs.WriteJSON(w, http.StatusOK, activeResponse{Count: len(events), Events: events})
	}
}

type queueResponse struct {
	Count   int           `json:"count"`
	Pending int           `json:"pending"`
	Entries []queue.Entry `json:"entries"`
}

func handleQueue(lister QueueLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		entries := lister.Snapshot()
		pending := 0
		for _, e := range entries {
			if !e.Dispatched {
				pending++
			}
		}
		sharedobs.WriteJSON(w, http.StatusOK, queueResponse{Count: len(entries), Pending: pending, Entries: entries})
	}
}

// AllReady combines readiness checks and reports every failure.
type AllReady []sharedobs.ReadinessChecker

func (a AllReady) CheckReadiness(ctx context.Context) error {
	var errs []error
	for _, c := range a {
		if err := c.CheckReadiness(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
