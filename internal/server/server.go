package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/streamhouse/sessionrelay/internal/relay"
)

// Server exposes the relay over HTTP: a JSON session API and the SSE
// observer stream.
type Server struct {
	Router *chi.Mux

	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router. The JSON API routes carry a request timeout; the
// SSE events route does not, since observer connections stay open for the
// life of the session.
func New(port int, logger *slog.Logger, rly *relay.Relay) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "session-relay")
	})

	h := &handlers{relay: rly, logger: logger}
	apiTimeout := TimeoutMiddleware(30 * time.Second)

	r.Route("/api/sessions", func(r chi.Router) {
		r.With(apiTimeout).Get("/", h.handleListSessions)
		r.With(apiTimeout).Post("/", h.handleCreateSession)
		r.With(apiTimeout).Post("/{clientID}/{requestID}/resume", h.handleResumeSession)
		r.With(apiTimeout).Post("/{clientID}/{requestID}/intervene", h.handleIntervene)
		r.Get("/{clientID}/{requestID}/events", h.handleSubscribe)
	})

	return &Server{
		Router: r,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		},
		logger: logger,
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
