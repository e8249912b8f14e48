package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterHealth registers the health route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports whether the session store answers a ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
