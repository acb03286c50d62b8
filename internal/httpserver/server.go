package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
)

// ReadyFunc reports whether the service is ready to accept traffic, e.g.
// that the state store is loaded and at least one backend is reachable.
type ReadyFunc func(ctx context.Context) error

// Server holds the HTTP server dependencies and the chi mux.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated /instances sub-router; domain handlers mount here
	Logger    *slog.Logger
	ready     ReadyFunc
	startedAt time.Time
}

// NewServer creates an HTTP server with the request middleware chain,
// health and metrics endpoints, and the auth-gated /authorized endpoint.
// Domain handlers (pkg/instance) are mounted on APIRouter by the caller.
// ready may be nil, in which case /readyz always reports ready.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, oidcAuth *auth.OIDCAuthenticator, allow *auth.AllowList, ready ReadyFunc) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		ready:     ready,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated endpoints.
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(oidcAuth, logger))

		r.Get("/authorized", auth.AuthorizedHandler(allow))

		r.Route("/instances", func(ir chi.Router) {
			s.APIRouter = ir
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	if err := s.ready(r.Context()); err != nil {
		s.Logger.Error("readiness check failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
