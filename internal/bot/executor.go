package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/events"
	"github.com/ashureev/dfbridge/internal/plan"
	"github.com/ashureev/dfbridge/internal/scheduler"
)

// execute runs the steps of p in order. Step failures are logged and do
// not stop later steps. It reports whether a DropQueue step ran.
func (c *Coordinator) execute(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, p plan.Plan) bool {
	dropQueue := false
	keepTyping := false

	for _, step := range p.Steps {
		switch step.Kind {
		case plan.KindMessage:
			c.renderUnit(ctx, room, step.Message)
			if f := step.Message.CustomFields; f != nil && f.DisableInput && f.DisplayTyping {
				keepTyping = true
			}

		case plan.KindHandover:
			req := step.Handover
			if req.Forced && (cfg == nil || cfg.FallbackTargetDepartment == "") {
				slog.Warn("Fallback limit reached without a fallback department", "room_id", room.ID)
				c.sendText(ctx, room, cfg.ServiceUnavailableText())
				continue
			}
			if len(req.RoomFields) > 0 {
				if err := c.platform.UpdateRoomCustomFields(ctx, room.ID, req.RoomFields); err != nil {
					slog.Error("Failed to store handover room fields", "room_id", room.ID, "error", err)
				}
			}
			if err := c.handover(ctx, room.ID, cfg, req); err != nil {
				slog.Error("Handover failed", "room_id", room.ID, "error", err)
			}

		case plan.KindClose:
			if err := c.closeChat(ctx, room.ID, cfg); err != nil {
				slog.Error("Close chat failed", "room_id", room.ID, "error", err)
			}

		case plan.KindScheduleEvent:
			c.scheduleEvent(ctx, room, cfg, step.Event)

		case plan.KindChangeLanguage:
			c.changeLanguage(ctx, room, cfg, step.Language)

		case plan.KindWelcomeEvent:
			c.sendWelcome(ctx, room, cfg)

		case plan.KindDropQueue:
			dropQueue = true
			if err := c.sessions.SetQueueActive(ctx, room.ID, false); err != nil {
				slog.Error("Failed to close queue window", "room_id", room.ID, "error", err)
			}
			if err := c.sessions.SetQueuedMessage(ctx, room.ID, ""); err != nil {
				slog.Error("Failed to drop queued message", "room_id", room.ID, "error", err)
			}
		}
	}

	if !keepTyping {
		c.feed.StopTyping(ctx, room.ID)
	}
	return dropQueue
}

// renderUnit posts the chat messages of one unit.
func (c *Coordinator) renderUnit(ctx context.Context, room *domain.Room, unit dialogflow.MessageUnit) {
	for _, msg := range render(room.ServedByUsername(), unit) {
		c.post(ctx, room.ID, msg)
	}
}

func (c *Coordinator) sendText(ctx context.Context, room *domain.Room, text string) {
	c.post(ctx, room.ID, domain.OutboundMessage{Sender: room.ServedByUsername(), Text: text})
}

func (c *Coordinator) post(ctx context.Context, roomID string, msg domain.OutboundMessage) {
	if _, err := c.platform.SendMessage(ctx, roomID, msg); err != nil {
		slog.Error("Failed to post message", "room_id", roomID, "error", err)
		return
	}
	if msg.Text != "" {
		c.feed.Message(ctx, roomID, msg.Text)
	}
}

// handover transfers the room to a human department. When the department
// is unknown or has no online agent the visitor is told so and the room
// is closed; the returned error then wraps ErrNoDepartment or
// ErrNoAgentsOnline.
func (c *Coordinator) handover(ctx context.Context, roomID string, cfg *domain.AgentConfig, req plan.HandoverRequest) error {
	room, err := c.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	c.cancelJobs(ctx, roomID, "")

	target := req.Department
	if target == "" && cfg != nil {
		target = cfg.FallbackTargetDepartment
	}
	if target == "" {
		return c.handoverFailed(ctx, room, cfg, domain.ErrNoDepartment, target)
	}

	dept, err := c.platform.Department(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: look up department %q: %w", domain.ErrHandoverFailed, target, err)
	}
	if dept == nil {
		return c.handoverFailed(ctx, room, cfg, domain.ErrNoDepartment, target)
	}

	online, err := c.platform.IsOnline(ctx, dept.ID)
	if err != nil {
		return fmt.Errorf("%w: check agents of %q: %w", domain.ErrHandoverFailed, target, err)
	}
	if !online {
		return c.handoverFailed(ctx, room, cfg, domain.ErrNoAgentsOnline, target)
	}

	c.announceHandover(ctx, room, cfg, req)

	if err := c.platform.Transfer(ctx, roomID, dept.ID); err != nil {
		c.sendText(ctx, room, domain.DefaultHandoverFailedMessage)
		return fmt.Errorf("%w: transfer to %q: %w", domain.ErrHandoverFailed, target, err)
	}

	c.feed.StopTyping(ctx, roomID)
	c.feed.Handover(ctx, roomID, dept.Name)
	if err := c.sessions.SetHandedOver(ctx, roomID, true); err != nil {
		slog.Error("Failed to record handover", "room_id", roomID, "error", err)
	}
	if err := c.platform.UpdateRoomCustomFields(ctx, roomID, map[string]any{domain.FieldHandedOverFromBot: true}); err != nil {
		slog.Error("Failed to flag room as handed over", "room_id", roomID, "error", err)
	}
	c.publish(ctx, events.KeyHandover, roomID, events.Handover{
		RoomID:       roomID,
		DepartmentID: dept.ID,
		Department:   dept.Name,
		Forced:       req.Forced,
	})
	slog.Info("Room handed over", "room_id", roomID, "department", dept.Name)

	c.scheduleMaintenance(ctx, roomID, cfg)
	return nil
}

// announceHandover tells the visitor a transfer is starting. A configured
// handover message wins over the pending response.
func (c *Coordinator) announceHandover(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, req plan.HandoverRequest) {
	switch {
	case cfg != nil && cfg.HandoverMessage != "":
		c.sendText(ctx, room, cfg.HandoverMessage)
	case len(req.Messages) > 0:
		for _, unit := range req.Messages {
			c.renderUnit(ctx, room, unit)
		}
	case req.Announcement != "":
		c.sendText(ctx, room, req.Announcement)
	default:
		c.sendText(ctx, room, domain.DefaultHandoverMessage)
	}
}

func (c *Coordinator) handoverFailed(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, cause error, target string) error {
	slog.Warn("Handover not possible, closing room", "room_id", room.ID, "department", target, "reason", cause)
	text := domain.DefaultHandoverFailedMessage
	if cfg != nil && cfg.NoAgentsForHandoverMessage != "" {
		text = cfg.NoAgentsForHandoverMessage
	}
	c.sendText(ctx, room, text)
	c.feed.StopTyping(ctx, room.ID)
	if err := c.closeChat(ctx, room.ID, cfg); err != nil {
		slog.Error("Failed to close room after handover failure", "room_id", room.ID, "error", err)
	}
	return fmt.Errorf("%w: %q", cause, target)
}

// closeChat closes an open room with the configured goodbye.
func (c *Coordinator) closeChat(ctx context.Context, roomID string, cfg *domain.AgentConfig) error {
	if _, err := c.openRoom(ctx, roomID); err != nil {
		return err
	}
	c.cancelJobs(ctx, roomID, "")
	c.feed.StopTyping(ctx, roomID)

	if err := c.platform.CloseRoom(ctx, roomID, cfg.CloseChatText()); err != nil {
		return fmt.Errorf("close room %s: %w", roomID, err)
	}
	c.feed.CloseRoom(roomID)
	c.publish(ctx, events.KeyClosed, roomID, events.Closed{RoomID: roomID, Reason: "bot"})
	slog.Info("Room closed", "room_id", roomID)
	return nil
}

// scheduleEvent arms a delayed backend event. With ContinueBlackout the
// processing flag stays set, so visitor text is dropped until it fires.
func (c *Coordinator) scheduleEvent(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, ev plan.ScheduledEvent) {
	if ev.ContinueBlackout {
		if err := c.sessions.SetProcessing(ctx, room.ID, true); err != nil {
			slog.Error("Failed to arm blackout", "room_id", room.ID, "error", err)
		}
	}

	_, err := c.scheduler.ScheduleOnce(ctx, domain.Job{
		Kind:   domain.JobKindEvent,
		RoomID: room.ID,
		When:   c.now().Add(ev.Delay),
		Data: map[string]any{
			"eventName":        ev.Name,
			"continueBlackout": ev.ContinueBlackout,
		},
	})
	if err == nil {
		slog.Info("Scheduled backend event", "room_id", room.ID, "event", ev.Name, "delay", ev.Delay)
		return
	}

	slog.Error("Failed to schedule backend event", "room_id", room.ID, "event", ev.Name, "error", err)
	if ev.ContinueBlackout {
		if err := c.sessions.SetProcessing(ctx, room.ID, false); err != nil {
			slog.Error("Failed to clear blackout", "room_id", room.ID, "error", err)
		}
	}
	c.sendText(ctx, room, cfg.ServiceUnavailableText())
}

// scheduleMaintenance arms the next keep-alive event for a handed-over room.
func (c *Coordinator) scheduleMaintenance(ctx context.Context, roomID string, cfg *domain.AgentConfig) {
	if cfg == nil || cfg.SessionMaintenanceInterval == "" {
		return
	}
	interval, err := scheduler.ParseInterval(cfg.SessionMaintenanceInterval)
	if err != nil {
		slog.Error("Invalid session maintenance interval", "room_id", roomID, "interval", cfg.SessionMaintenanceInterval, "error", err)
		return
	}

	_, err = c.scheduler.ScheduleOnce(ctx, domain.Job{
		Kind:   domain.JobKindSessionMaintenance,
		RoomID: roomID,
		When:   c.now().Add(interval),
		Data: map[string]any{
			"sessionId": roomID,
			"eventName": cfg.SessionMaintenanceEventName,
		},
	})
	if err != nil {
		slog.Error("Failed to schedule session maintenance", "room_id", roomID, "error", err)
	}
}

// changeLanguage switches the session language and sends the
// ChangeLanguage event. Repeating the current code does nothing.
func (c *Coordinator) changeLanguage(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, code string) {
	current, err := c.sessions.Language(ctx, room.ID)
	if err != nil {
		slog.Error("Failed to read session language", "room_id", room.ID, "error", err)
		return
	}
	if current == code {
		return
	}
	if err := c.sessions.SetLanguage(ctx, room.ID, code); err != nil {
		slog.Error("Failed to store session language", "room_id", room.ID, "error", err)
		return
	}
	slog.Info("Session language changed", "room_id", room.ID, "language", code)

	resp, err := c.backend.Send(ctx, room.ID, dialogflow.EventRequest(domain.ChangeLanguageEventName, nil))
	if err != nil {
		slog.Error("ChangeLanguage event failed", "room_id", room.ID, "error", err)
		c.sendText(ctx, room, cfg.ServiceUnavailableText())
		return
	}
	for _, unit := range resp.Messages {
		if unit.IsRenderable() {
			c.renderUnit(ctx, room, unit)
		}
	}
}
