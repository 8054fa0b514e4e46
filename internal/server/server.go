package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"parking-engine/internal/parking"
)

type Server struct {
	httpServer *http.Server
	handler    *Handler
	metrics    *Metrics
	logger     *slog.Logger
}

func NewServer(port string, ledger parking.Ledger, serviceName string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewHandler(ledger, serviceName)
	metrics := NewMetrics(ledger.Pool())

	r := chi.NewRouter()

	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(TracingMiddleware)
	r.Use(CORSMiddleware)

	r.Get("/health", handler.HealthCheck)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/vehicles", func(r chi.Router) {
			r.Post("/", handler.RegisterVehicle)
			r.Get("/{plate}", handler.GetVehicle)
		})
		r.Route("/spaces", func(r chi.Router) {
			r.Get("/", handler.ListSpaces)
			r.Post("/", handler.AddSpace)
			r.Delete("/{id}", handler.RemoveSpace)
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/entry", handler.Enter)
			r.Post("/exit", handler.Exit)
			r.Get("/open", handler.OpenSessions)
			r.Get("/{id}", handler.GetSession)
			r.Post("/{id}/settle", handler.SettlePayment)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", handler.ListSubscriptions)
			r.Post("/", handler.Subscribe)
			r.Get("/{plate}", handler.GetSubscription)
			r.Put("/{id}/renew", handler.RenewSubscription)
			r.Put("/{id}/extend", handler.ExtendSubscription)
			r.Delete("/{id}", handler.DeleteSubscription)
		})
		r.Get("/payments", handler.ListPayments)
	})

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		metrics:    metrics,
		logger:     logger,
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) GetAddress() string {
	return fmt.Sprintf("http://localhost%s", s.httpServer.Addr)
}
