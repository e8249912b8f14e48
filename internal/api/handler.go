// Package api provides HTTP handlers for the dfbridge service.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Coordinator is the conversation engine the handlers delegate to.
type Coordinator interface {
	HandleMessage(ctx context.Context, msg domain.InboundMessage) error
	AgentAssigned(ctx context.Context, roomID string) error
	AgentUnassigned(ctx context.Context, roomID, agent string) error
	RoomClosed(ctx context.Context, roomID string) error
	BlockAction(ctx context.Context, action domain.BlockAction) error
	Handover(ctx context.Context, roomID, department string) error
	CloseChat(ctx context.Context, roomID string) error
	TriggerEvent(ctx context.Context, roomID string, ev dialogflow.Event) error
	SendMessages(ctx context.Context, roomID string, units []dialogflow.MessageUnit) error
}

// Pinger reports whether the session store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	coord  Coordinator
	pinger Pinger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(coord Coordinator, pinger Pinger) *Handler {
	return &Handler{coord: coord, pinger: pinger}
}

// RegisterRoutes registers the webhook and platform callback routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incoming", h.Incoming)
		r.Route("/events", func(r chi.Router) {
			r.Post("/message", h.MessageSent)
			r.Post("/agent-assigned", h.AgentAssigned)
			r.Post("/agent-unassigned", h.AgentUnassigned)
			r.Post("/room-closed", h.RoomClosed)
			r.Post("/block-action", h.BlockAction)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func success(w http.ResponseWriter) {
	JSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// decode reads a bounded JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps a coordinator error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoDepartment),
		errors.Is(err, domain.ErrNoAgentsOnline),
		errors.Is(err, domain.ErrRoomClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRoom), errors.Is(err, domain.ErrInvalidVisitor):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSession), errors.Is(err, domain.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
