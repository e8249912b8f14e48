package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/dfbridge/internal/domain"
)

type roomEvent struct {
	RoomID string `json:"roomId"`
	Agent  string `json:"agent,omitempty"`
}

// MessageSent handles the platform's post-message-sent callback.
func (h *Handler) MessageSent(w http.ResponseWriter, r *http.Request) {
	var msg domain.InboundMessage
	if err := decode(w, r, &msg); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.respond(w, "message", msg.RoomID, h.coord.HandleMessage(r.Context(), msg))
}

// AgentAssigned handles a bot or agent being assigned to a room.
func (h *Handler) AgentAssigned(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeRoomEvent(w, r)
	if !ok {
		return
	}
	h.respond(w, "agent-assigned", ev.RoomID, h.coord.AgentAssigned(r.Context(), ev.RoomID))
}

// AgentUnassigned handles an agent leaving a room.
func (h *Handler) AgentUnassigned(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeRoomEvent(w, r)
	if !ok {
		return
	}
	h.respond(w, "agent-unassigned", ev.RoomID, h.coord.AgentUnassigned(r.Context(), ev.RoomID, ev.Agent))
}

// RoomClosed handles the platform closing a room.
func (h *Handler) RoomClosed(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeRoomEvent(w, r)
	if !ok {
		return
	}
	h.respond(w, "room-closed", ev.RoomID, h.coord.RoomClosed(r.Context(), ev.RoomID))
}

// BlockAction handles a visitor button click.
func (h *Handler) BlockAction(w http.ResponseWriter, r *http.Request) {
	var action domain.BlockAction
	if err := decode(w, r, &action); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if action.RoomID == "" {
		Error(w, http.StatusBadRequest, "roomId is required")
		return
	}
	h.respond(w, "block-action", action.RoomID, h.coord.BlockAction(r.Context(), action))
}

func decodeRoomEvent(w http.ResponseWriter, r *http.Request) (roomEvent, bool) {
	var ev roomEvent
	if err := decode(w, r, &ev); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return ev, false
	}
	if ev.RoomID == "" {
		Error(w, http.StatusBadRequest, "roomId is required")
		return ev, false
	}
	return ev, true
}

func (h *Handler) respond(w http.ResponseWriter, event, roomID string, err error) {
	if err == nil {
		success(w)
		return
	}
	status := statusFor(err)
	slog.Error("Platform event failed", "event", event, "room_id", roomID, "status", status, "error", err)
	Error(w, status, err.Error())
}
