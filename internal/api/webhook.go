package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/dfbridge/internal/dialogflow"
)

// Webhook actions, compared after folding case, dashes and underscores.
const (
	actionCloseChat    = "closechat"
	actionHandover     = "handover"
	actionTriggerEvent = "triggerevent"
	actionSendMessage  = "sendmessage"
)

type incomingRequest struct {
	Action     string              `json:"action"`
	SessionID  string              `json:"sessionId"`
	ActionData *incomingActionData `json:"actionData,omitempty"`
}

type incomingActionData struct {
	TargetDepartment string                   `json:"targetDepartment,omitempty"`
	Event            *dialogflow.Event        `json:"event,omitempty"`
	Messages         []dialogflow.MessageUnit `json:"messages,omitempty"`
}

func canonicalAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	return strings.NewReplacer("-", "", "_", "").Replace(action)
}

// Incoming is the external webhook: close a chat, hand it over, trigger a
// backend event, or post messages as the bot.
func (h *Handler) Incoming(w http.ResponseWriter, r *http.Request) {
	var req incomingRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	data := req.ActionData
	if data == nil {
		data = &incomingActionData{}
	}

	ctx := r.Context()
	var err error
	switch canonicalAction(req.Action) {
	case actionCloseChat:
		err = h.coord.CloseChat(ctx, req.SessionID)
	case actionHandover:
		err = h.coord.Handover(ctx, req.SessionID, data.TargetDepartment)
	case actionTriggerEvent:
		if data.Event == nil || data.Event.Name == "" {
			Error(w, http.StatusBadRequest, "actionData.event.name is required")
			return
		}
		err = h.coord.TriggerEvent(ctx, req.SessionID, *data.Event)
	case actionSendMessage:
		err = h.coord.SendMessages(ctx, req.SessionID, data.Messages)
	default:
		Error(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Webhook action failed", "action", req.Action, "session_id", req.SessionID, "error", err)
		} else {
			slog.Warn("Webhook action rejected", "action", req.Action, "session_id", req.SessionID, "status", status, "error", err)
		}
		Error(w, status, err.Error())
		return
	}
	success(w)
}
