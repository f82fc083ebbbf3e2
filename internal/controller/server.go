// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"sessionplane/internal/controller/handlers"
	"sessionplane/internal/controller/middleware"
)

// Options carries the controller's optional collaborators.
type Options struct {
	// AdminToken guards POST /tenants. Empty leaves it open.
	AdminToken string

	// Leases, when set, lets session deletion drop the lease key immediately.
	Leases handlers.LeaseDeleter

	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.StoreFactory, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(store, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// NewHandler builds the routed controller API.
func NewHandler(store handlers.StoreFactory, opts Options) http.Handler {
	var hopts []handlers.Option
	if opts.Leases != nil {
		hopts = append(hopts, handlers.WithLeases(opts.Leases))
	}
	h := handlers.New(store, hopts...)

	authMW := middleware.AuthMiddleware(store)
	rateMW := middleware.NewRateLimiter().Middleware()
	tenantAPI := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /tenants", middleware.RequireAdminToken(opts.AdminToken)(http.HandlerFunc(h.CreateTenant)))

	// Public authenticated apis
	mux.Handle("POST /sessions", tenantAPI(h.CreateSession))
	mux.Handle("GET /sessions", tenantAPI(h.ListSessions))
	mux.Handle("GET /sessions/{id}", tenantAPI(h.GetSession))
	mux.Handle("DELETE /sessions/{id}", tenantAPI(h.DeleteSession))
	mux.Handle("PUT /sessions/{id}/webhook", tenantAPI(h.SetWebhook))
	mux.Handle("GET /sessions/{id}/webhook", tenantAPI(h.GetWebhook))
	mux.Handle("POST /sessions/{id}/api-key", tenantAPI(h.RotateAPIKey))

	mux.Handle("POST /reminders", tenantAPI(h.CreateReminder))
	mux.Handle("GET /reminders", tenantAPI(h.ListReminders))
	mux.Handle("DELETE /reminders/{id}", tenantAPI(h.DeleteReminder))
	mux.Handle("GET /reminders/{id}/runs", tenantAPI(h.ListReminderRuns))

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return middleware.RequestID(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
