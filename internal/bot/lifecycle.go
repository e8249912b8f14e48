package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/events"
	"github.com/ashureev/dfbridge/internal/plan"
	"github.com/ashureev/dfbridge/internal/scheduler"
)

// RegisterJobs binds the coordinator's job processors to s.
func (c *Coordinator) RegisterJobs(s *scheduler.Scheduler) {
	s.Register(domain.JobKindEvent, c.RunEventJob)
	s.Register(domain.JobKindSessionMaintenance, c.RunMaintenanceJob)
}

// AgentAssigned snapshots the bot's config into the session and starts
// the welcome flow when the agent asks for it.
func (c *Coordinator) AgentAssigned(ctx context.Context, roomID string) error {
	room, err := c.room(ctx, roomID)
	if err != nil {
		return err
	}
	cfg, ok := c.agents.Agent(room.ServedByUsername())
	if !ok {
		return nil
	}
	if err := c.sessions.SetAgentConfigSnapshot(ctx, roomID, cfg); err != nil {
		return fmt.Errorf("snapshot agent config: %w", err)
	}
	if !room.IsOpen || !cfg.WelcomeIntentOnStart {
		return nil
	}

	sent, err := c.sessions.WelcomeEventSent(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read welcome state: %w", err)
	}
	if sent {
		return nil
	}
	c.sendWelcome(ctx, room, cfg)
	return nil
}

// sendWelcome disables visitor input, optionally greets, and raises the
// Welcome event with the visitor's livechat data.
func (c *Coordinator) sendWelcome(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig) {
	greeting := domain.OutboundMessage{
		Sender: room.ServedByUsername(),
		CustomFields: map[string]any{
			"disableInput":        true,
			"disableInputMessage": domain.WelcomeDisabledInputMessage,
			"displayTyping":       true,
		},
	}
	if cfg != nil && cfg.EnableWelcomeMessage {
		greeting.Text = cfg.WelcomeText()
	}
	c.post(ctx, room.ID, greeting)

	if err := c.sessions.SetWelcomeEventSent(ctx, room.ID, true); err != nil {
		slog.Error("Failed to record welcome event", "room_id", room.ID, "error", err)
	}

	params := make(map[string]any, len(room.Visitor.LivechatData)+2)
	for k, v := range room.Visitor.LivechatData {
		params[k] = v
	}
	params["roomId"] = room.ID
	params["visitorToken"] = room.Visitor.Token

	c.feed.StartTyping(ctx, room.ID)
	if err := c.runEvent(ctx, room, cfg, dialogflow.EventRequest(domain.WelcomeEventName, params)); err != nil {
		c.sendText(ctx, room, cfg.ServiceUnavailableText())
	}
}

// AgentUnassigned reacts to a bot leaving a room. A bot flagged as non
// functional means the fallback handover never happened, so the visitor
// is told and the room closed.
func (c *Coordinator) AgentUnassigned(ctx context.Context, roomID, agent string) error {
	room, err := c.room(ctx, roomID)
	if err != nil {
		return err
	}
	if agent == "" {
		agent = room.ServedByUsername()
	}
	if !c.agents.IsBot(agent) {
		return nil
	}
	c.feed.StopTyping(ctx, roomID)

	functional, ok := room.CustomBool(domain.FieldChatBotFunctional)
	if !ok || functional {
		return nil
	}
	cfg, _ := c.agents.Agent(agent)
	c.sendText(ctx, room, cfg.ServiceUnavailableText())
	if err := c.closeChat(ctx, roomID, cfg); err != nil && !errors.Is(err, domain.ErrRoomClosed) {
		return err
	}
	return nil
}

// RoomClosed drops everything the bridge holds for a closed room.
func (c *Coordinator) RoomClosed(ctx context.Context, roomID string) error {
	if roomID == "" {
		return domain.ErrInvalidSession
	}
	c.cancelJobs(ctx, roomID, "")
	c.feed.StopTyping(ctx, roomID)
	c.feed.CloseRoom(roomID)
	if err := c.sessions.DeleteSession(ctx, roomID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	c.publish(ctx, events.KeyClosed, roomID, events.Closed{RoomID: roomID, Reason: "platform"})
	return nil
}

// BlockAction handles a visitor clicking one of the bot's buttons.
func (c *Coordinator) BlockAction(ctx context.Context, action domain.BlockAction) error {
	room, err := c.openRoom(ctx, action.RoomID)
	if err != nil {
		return err
	}
	if room.ServedByUsername() == "" {
		return nil
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}

	switch action.ActionID {
	case ActionPerformHandover:
		target := action.Value
		if target == "" {
			target = cfg.FallbackTargetDepartment
		}
		if target == "" {
			c.sendText(ctx, room, domain.DefaultRequestFailedMessage)
			break
		}
		if err := c.handover(ctx, room.ID, cfg, plan.HandoverRequest{Department: target}); err != nil {
			slog.Error("Handover from button failed", "room_id", room.ID, "error", err)
		}
	case ActionCloseChat:
		if err := c.closeChat(ctx, room.ID, cfg); err != nil {
			return err
		}
	default:
		token := action.VisitorToken
		if token == "" {
			token = room.Visitor.Token
		}
		if err := c.platform.SendVisitorMessage(ctx, room.ID, token, action.Value); err != nil {
			return fmt.Errorf("echo button value: %w", err)
		}
	}

	if cfg.HideQuickReplies && action.MessageID != "" {
		if err := c.platform.RemoveActionBlocks(ctx, action.MessageID); err != nil {
			slog.Warn("Failed to hide quick replies", "room_id", room.ID, "message_id", action.MessageID, "error", err)
		}
	}
	return nil
}

// Handover transfers a room on behalf of an external caller. An empty
// department falls back to the agent's fallback department.
func (c *Coordinator) Handover(ctx context.Context, roomID, department string) error {
	room, err := c.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}
	return c.handover(ctx, roomID, cfg, plan.HandoverRequest{Department: department})
}

// CloseChat closes a room on behalf of an external caller.
func (c *Coordinator) CloseChat(ctx context.Context, roomID string) error {
	room, err := c.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}
	return c.closeChat(ctx, roomID, cfg)
}

// TriggerEvent sends ev for a room and executes the response.
func (c *Coordinator) TriggerEvent(ctx context.Context, roomID string, ev dialogflow.Event) error {
	if ev.Name == "" {
		return fmt.Errorf("%w: event name required", domain.ErrInvalidAction)
	}
	room, err := c.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}
	req := dialogflow.Request{Kind: dialogflow.RequestEvent, Event: &ev}
	if err := c.runEvent(ctx, room, cfg, req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackend, err)
	}
	return nil
}

// SendMessages renders message units into a room as the bot.
func (c *Coordinator) SendMessages(ctx context.Context, roomID string, units []dialogflow.MessageUnit) error {
	room, err := c.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.IsRenderable() {
			c.renderUnit(ctx, room, unit)
		}
	}
	return nil
}

// RunEventJob fires a scheduled backend event. A job for a room that is
// gone or closed cancels the room's remaining event jobs.
func (c *Coordinator) RunEventJob(ctx context.Context, job *domain.Job) error {
	room, err := c.platform.GetRoom(ctx, job.RoomID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", job.RoomID, err)
	}
	if room == nil || !room.IsOpen {
		c.cancelJobs(ctx, job.RoomID, domain.JobKindEvent)
		return nil
	}

	// Exits before runEvent lift the blackout here.
	fired := false
	defer func() {
		if !fired {
			c.clearProcessing(ctx, room.ID)
		}
	}()

	name := job.StringData("eventName")
	if name == "" {
		return fmt.Errorf("%w: scheduled event without a name", domain.ErrInvalidAction)
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}

	slog.Info("Firing scheduled event", "room_id", room.ID, "event", name)
	fired = true
	return c.runEvent(ctx, room, cfg, dialogflow.EventRequest(name, nil))
}

// RunMaintenanceJob pings the backend session of a handed-over room and
// schedules the next ping.
func (c *Coordinator) RunMaintenanceJob(ctx context.Context, job *domain.Job) error {
	room, err := c.platform.GetRoom(ctx, job.RoomID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", job.RoomID, err)
	}
	if room == nil || !room.IsOpen {
		c.cancelJobs(ctx, job.RoomID, domain.JobKindSessionMaintenance)
		return nil
	}
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}

	name := job.StringData("eventName")
	if name == "" {
		name = cfg.SessionMaintenanceEventName
	}
	if name == "" {
		name = domain.DefaultSessionMaintenanceEventName
	}
	if _, err := c.backend.Send(ctx, room.ID, dialogflow.EventRequest(name, nil)); err != nil {
		slog.Debug("Session maintenance event failed", "room_id", room.ID, "error", err)
	}

	c.scheduleMaintenance(ctx, room.ID, cfg)
	return nil
}
