package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sessionplane/internal/controller/middleware"
	"sessionplane/internal/events"
	"sessionplane/internal/qrcache"
	"sessionplane/pkg/api"
)

// streamEvents serves GET /events?topics=message,status as server-sent events.
// Each event is written as "event: <topic>" plus one JSON data line.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var topics []events.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			topic, ok := events.ParseTopic(strings.TrimSpace(name))
			if !ok {
				httpError(w, fmt.Sprintf("unknown topic %q", name), http.StatusBadRequest)
				return
			}
			topics = append(topics, topic)
		}
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.cfg.Broker.Subscribe(tenantID, topics, h.cfg.Ownership)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.cfg.Logger.Warn("unencodable event", "session_id", ev.SessionID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// getQR serves the current pairing code of a pending session as a PNG data URL.
func (h *handlers) getQR(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.ownsSession(w, r)
	if !ok {
		return
	}

	code, err := h.cfg.QR.Get(r.Context(), sessionID)
	if errors.Is(err, qrcache.ErrNoCode) {
		httpError(w, "No pairing code available", http.StatusNotFound)
		return
	}
	if err != nil {
		h.cfg.Logger.Error("qr lookup failed", "session_id", sessionID, "error", err)
		httpError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	image, err := qrcache.DataURL(code)
	if err != nil {
		httpError(w, "Failed to render pairing code", http.StatusInternalServerError)
		return
	}

	respondJson(w, http.StatusOK, api.QRResponse{SessionID: sessionID, QR: code, Image: image})
}
