// Package worker serves the live HTTP surface of one worker process: the
// event stream, pairing codes and message sends for the sessions it drives.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sessionplane/internal/controller/middleware"
	"sessionplane/internal/driver"
	"sessionplane/internal/events"
	"sessionplane/internal/manager"
	"sessionplane/internal/qrcache"
	"sessionplane/internal/supervisor"
	"sessionplane/pkg/api"
)

// Sessions is the worker's view of the sessions it drives.
type Sessions interface {
	Send(ctx context.Context, sessionID, target string, content driver.Content) (string, error)
	Snapshot(ctx context.Context) ([]manager.OwnedSession, error)
}

// Config holds the collaborators of the worker surface.
type Config struct {
	WorkerID string

	Sessions  Sessions
	Broker    *events.Broker
	Ownership events.OwnershipChecker
	QR        qrcache.Cache
	Tenants   middleware.TenantLookup

	// AdminToken guards GET /owned. Empty leaves it open.
	AdminToken string

	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler

	// Heartbeat is the SSE keep-alive interval (default: 15s).
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Server is the worker's HTTP server.
type Server struct {
	httpServer *http.Server
}

// New creates the worker HTTP server.
func New(addr string, cfg Config) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: /events streams. Other handlers set their own deadline.
		},
	}
}

// NewHandler builds the routed worker API.
func NewHandler(cfg Config) http.Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handlers{cfg: cfg}

	authMW := middleware.AuthMiddleware(cfg.Tenants)
	rateMW := middleware.NewRateLimiter().Middleware()
	tenantAPI := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /events", authMW(http.HandlerFunc(h.streamEvents)))
	mux.Handle("GET /sessions/{id}/qr", tenantAPI(withWriteDeadline(h.getQR)))
	mux.Handle("POST /sessions/{id}/messages", tenantAPI(withWriteDeadline(h.sendMessage)))
	mux.Handle("GET /owned", middleware.RequireAdminToken(cfg.AdminToken)(withWriteDeadline(h.owned)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJson(w, http.StatusOK, map[string]string{"status": "healthy", "worker_id": cfg.WorkerID})
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
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

		return s.httpServer.Shutdown(shutDownCtx)
	}
}

type handlers struct {
	cfg Config
}

// ownsSession answers 404 unless the authenticated tenant owns {id}.
func (h *handlers) ownsSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := r.PathValue("id")
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		httpError(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	owns, err := h.cfg.Ownership.OwnsSession(r.Context(), tenantID, sessionID)
	if err != nil {
		h.cfg.Logger.Error("ownership check failed", "session_id", sessionID, "error", err)
		httpError(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}
	if !owns {
		httpError(w, "Session not found", http.StatusNotFound)
		return "", false
	}
	return sessionID, true
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownsSession(w, r)
	if !ok {
		return
	}

	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		httpError(w, "to is required", http.StatusBadRequest)
		return
	}

	content := driver.Content{Text: req.Text, Caption: req.Caption}
	if req.Media != nil {
		content.Media = &driver.Media{
			Mimetype: req.Media.Mimetype,
			Data:     req.Media.Data,
			Filename: req.Media.Filename,
		}
	}

	messageID, err := h.cfg.Sessions.Send(r.Context(), sessionID, req.To, content)
	if err != nil {
		status, msg := sendErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.cfg.Logger.Warn("send failed", "session_id", sessionID, "error", err)
		}
		httpError(w, msg, status)
		return
	}

	respondJson(w, http.StatusOK, api.SendMessageResponse{MessageID: messageID})
}

func (h *handlers) owned(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cfg.Sessions.Snapshot(r.Context())
	if err != nil {
		httpError(w, "Worker is shutting down", http.StatusServiceUnavailable)
		return
	}

	resp := api.OwnedResponse{WorkerID: h.cfg.WorkerID, Sessions: make([]api.OwnedSession, 0, len(snap))}
	for _, s := range snap {
		resp.Sessions = append(resp.Sessions, api.OwnedSession{
			SessionID:   s.SessionID,
			Status:      string(s.Status),
			AcquiredAt:  s.AcquiredAt,
			LastRenewed: s.LastRenewed,
		})
	}
	respondJson(w, http.StatusOK, resp)
}

// withWriteDeadline bounds non-streaming handlers, since the server itself
// has no write timeout.
func withWriteDeadline(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(30 * time.Second))
		fn(w, r)
	}
}

func respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// sendErrorStatus maps a send failure to its HTTP status and public message.
func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, manager.ErrNotOwned):
		return http.StatusConflict, "session is not owned by this worker"
	case errors.Is(err, supervisor.ErrNotReady):
		return http.StatusConflict, "session not ready"
	case errors.Is(err, supervisor.ErrInvalidContent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, supervisor.ErrDeliveryFailed):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, manager.ErrStopped):
		return http.StatusServiceUnavailable, "worker is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "send timed out"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
