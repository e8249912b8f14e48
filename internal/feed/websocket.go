package feed

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeTimeout = 5 * time.Second

// Handler upgrades GET /ws/rooms/{roomID} to a websocket streaming the room feed.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
}

// NewHandler creates a websocket handler. An origin list containing "*"
// accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{hub: hub, allowedOrigins: allowedOrigins}
}

func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.allowedOrigins))
	for _, origin := range h.allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		// Patterns match the origin host, not the full URL.
		origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		patterns = append(patterns, origin)
	}
	return patterns
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "room_id", roomID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "room_id", roomID)
		}
	}()

	subscriberID := uuid.NewString()
	sub := h.hub.Register(roomID, subscriberID)
	defer h.hub.Unregister(roomID, subscriberID, sub)
	slog.Info("Feed connected", "room_id", roomID, "subscriber_id", subscriberID, "ip", r.RemoteAddr)

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			drain(ctx, ws, sub)
			return
		case ev := <-sub.C:
			if err := writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("Feed write failed", "error", err, "room_id", roomID)
				return
			}
		}
	}
}

// drain flushes events queued before the subscription was dropped.
func drain(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for {
		select {
		case ev := <-sub.C:
			if err := writeJSON(ctx, ws, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
