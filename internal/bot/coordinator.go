// Package bot runs the per-room conversation: it serializes backend calls
// against persisted session flags, interprets responses and drives the
// platform accordingly.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/events"
	"github.com/ashureev/dfbridge/internal/plan"
	"github.com/ashureev/dfbridge/internal/store"
)

// Platform is the part of the livechat platform the bot drives.
type Platform interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	GetVisitorByToken(ctx context.Context, token string) (*domain.Visitor, error)
	UpdateRoomCustomFields(ctx context.Context, roomID string, fields map[string]any) error
	SendMessage(ctx context.Context, roomID string, msg domain.OutboundMessage) (string, error)
	SendVisitorMessage(ctx context.Context, roomID, visitorToken, text string) error
	Department(ctx context.Context, nameOrID string) (*domain.Department, error)
	IsOnline(ctx context.Context, departmentID string) (bool, error)
	Transfer(ctx context.Context, roomID, departmentID string) error
	CloseRoom(ctx context.Context, roomID, comment string) error
	RemoveActionBlocks(ctx context.Context, messageID string) error
}

// Feed receives live room activity.
type Feed interface {
	StartTyping(ctx context.Context, roomID string)
	StopTyping(ctx context.Context, roomID string)
	Message(ctx context.Context, roomID, text string)
	Handover(ctx context.Context, roomID, department string)
	CloseRoom(roomID string)
}

// Scheduler persists delayed jobs.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, job domain.Job) (string, error)
	CancelByQuery(ctx context.Context, roomID string, kind domain.JobKind) error
}

// ConfigResolver resolves the agent configuration of a room.
type ConfigResolver interface {
	AgentConfig(ctx context.Context, room *domain.Room) (*domain.AgentConfig, error)
}

// Agents looks up configured bot accounts.
type Agents interface {
	Agent(username string) (*domain.AgentConfig, bool)
	IsBot(username string) bool
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Sessions    store.SessionStore
	Backend     dialogflow.Backend
	Interpreter *plan.Interpreter
	Platform    Platform
	Configs     ConfigResolver
	Agents      Agents
	Scheduler   Scheduler
	Feed        Feed
	Events      events.Publisher
}

// Coordinator owns the conversation state machine of every room.
type Coordinator struct {
	sessions    store.SessionStore
	backend     dialogflow.Backend
	interpreter *plan.Interpreter
	platform    Platform
	configs     ConfigResolver
	agents      Agents
	scheduler   Scheduler
	feed        Feed
	events      events.Publisher
	now         func() time.Time
}

// New creates a Coordinator.
func New(d Deps) *Coordinator {
	interpreter := d.Interpreter
	if interpreter == nil {
		interpreter = plan.NewInterpreter(d.Sessions)
	}
	publisher := d.Events
	if publisher == nil {
		publisher = events.NewFallback(slog.Default())
	}
	return &Coordinator{
		sessions:    d.Sessions,
		backend:     d.Backend,
		interpreter: interpreter,
		platform:    d.Platform,
		configs:     d.Configs,
		agents:      d.Agents,
		scheduler:   d.Scheduler,
		feed:        d.Feed,
		events:      publisher,
		now:         time.Now,
	}
}

var quotedLink = regexp.MustCompile(`\[ \]\([^)]*\)\s*`)

// stripQuotes removes the "[ ](link)" prefixes the widget adds to quoted replies.
func stripQuotes(text string) string {
	return strings.TrimSpace(quotedLink.ReplaceAllString(text, ""))
}

// HandleMessage processes a message posted into a room.
func (c *Coordinator) HandleMessage(ctx context.Context, msg domain.InboundMessage) error {
	room, err := c.room(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	bot := room.ServedByUsername()
	if bot == "" || !c.agents.IsBot(bot) {
		return nil
	}
	handedOverFlag, _ := room.CustomBool(domain.FieldHandedOverFromBot)

	switch strings.TrimSpace(msg.Text) {
	case domain.ClosedByVisitorText:
		if handedOverFlag {
			return nil
		}
		c.cancelJobs(ctx, room.ID, "")
		c.closedByVisitor(ctx, room)
		return nil
	case domain.CustomerIdleTimeoutText:
		if handedOverFlag {
			return nil
		}
		c.closedByVisitor(ctx, room)
		if err := c.CloseChat(ctx, room.ID); err != nil && !errors.Is(err, domain.ErrRoomClosed) {
			return err
		}
		return nil
	}

	if !room.IsLivechat() || !room.IsOpen {
		return nil
	}

	if truthy(msg.CustomFields["disableInput"]) && !truthy(msg.CustomFields["displayTyping"]) {
		c.feed.StopTyping(ctx, room.ID)
	}

	if msg.Edited {
		return nil
	}
	text := stripQuotes(msg.Text)
	if text == "" {
		return nil
	}
	if msg.SenderUsername == bot || c.agents.IsBot(msg.SenderUsername) {
		return nil
	}

	handedOver, err := c.sessions.IsHandedOver(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("read handover state: %w", err)
	}
	if handedOver {
		return nil
	}

	return c.visitorText(ctx, room, text)
}

// visitorText applies the serialization policy: drop while a call is in
// flight, defer while a queue window is open, send otherwise.
func (c *Coordinator) visitorText(ctx context.Context, room *domain.Room, text string) error {
	processing, err := c.sessions.IsProcessing(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("read processing state: %w", err)
	}
	if processing {
		slog.Info("Backend call in flight, dropping visitor message", "room_id", room.ID)
		return nil
	}

	queueActive, err := c.sessions.IsQueueActive(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("read queue state: %w", err)
	}
	if queueActive {
		slog.Info("Queue window open, deferring visitor message", "room_id", room.ID)
		if err := c.sessions.SetQueuedMessage(ctx, room.ID, text); err != nil {
			return fmt.Errorf("queue visitor message: %w", err)
		}
		return nil
	}

	return c.converse(ctx, room, text)
}

// converse sends visitor text to the backend and acts on the answer.
func (c *Coordinator) converse(ctx context.Context, room *domain.Room, text string) error {
	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return err
	}

	if err := c.sessions.SetProcessing(ctx, room.ID, true); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	c.cancelJobs(ctx, room.ID, domain.JobKindEvent)
	c.feed.StartTyping(ctx, room.ID)

	resp, err := c.send(ctx, room.ID, dialogflow.TextRequest(text))
	if err != nil {
		c.backendFailure(ctx, room, cfg, err)
		return nil
	}

	c.apply(ctx, room, cfg, resp)
	return nil
}

// send performs one backend call and always clears the processing flag
// afterwards, so a failed call never locks the room.
func (c *Coordinator) send(ctx context.Context, roomID string, req dialogflow.Request) (*dialogflow.Response, error) {
	defer c.clearProcessing(ctx, roomID)
	return c.backend.Send(ctx, roomID, req)
}

// clearProcessing lifts the processing flag, including a blackout armed by
// a scheduled event. It runs even when ctx is already cancelled.
func (c *Coordinator) clearProcessing(ctx context.Context, roomID string) {
	if err := c.sessions.SetProcessing(context.WithoutCancel(ctx), roomID, false); err != nil {
		slog.Error("Failed to clear processing flag", "room_id", roomID, "error", err)
	}
}

// runEvent sends an event inside a queue window. Visitor text arriving in
// the window is replayed as one follow-up send once the window closes,
// unless the response dropped the queue.
func (c *Coordinator) runEvent(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, req dialogflow.Request) error {
	if err := c.sessions.SetQueueActive(ctx, room.ID, true); err != nil {
		c.clearProcessing(ctx, room.ID)
		return fmt.Errorf("open queue window: %w", err)
	}

	resp, sendErr := c.backend.Send(ctx, room.ID, req)

	cleanupCtx := context.WithoutCancel(ctx)
	c.clearProcessing(ctx, room.ID)
	if err := c.sessions.SetQueueActive(cleanupCtx, room.ID, false); err != nil {
		slog.Error("Failed to close queue window", "room_id", room.ID, "error", err)
	}
	queued, err := c.sessions.QueuedMessage(cleanupCtx, room.ID)
	if err != nil {
		slog.Error("Failed to read queued message", "room_id", room.ID, "error", err)
	}
	if queued != "" {
		if err := c.sessions.SetQueuedMessage(cleanupCtx, room.ID, ""); err != nil {
			slog.Error("Failed to clear queued message", "room_id", room.ID, "error", err)
		}
	}

	dropped := false
	if sendErr == nil {
		dropped = c.apply(ctx, room, cfg, resp)
	} else {
		slog.Error("Backend event failed", "room_id", room.ID, "request", req.String(), "error", sendErr)
		c.feed.StopTyping(ctx, room.ID)
	}

	if queued != "" && !dropped {
		slog.Info("Replaying message queued during event", "room_id", room.ID)
		if err := c.converse(ctx, room, queued); err != nil {
			slog.Error("Queued message follow-up failed", "room_id", room.ID, "error", err)
		}
	}
	return sendErr
}

// apply interprets resp and executes the plan. It reports whether the
// plan dropped the queue.
func (c *Coordinator) apply(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, resp *dialogflow.Response) bool {
	p := c.interpreter.Interpret(ctx, room.ID, resp, cfg)
	return c.execute(ctx, room, cfg, p)
}

// backendFailure tells the visitor the bot is unavailable and, when a
// fallback department exists, hands the room over to it.
func (c *Coordinator) backendFailure(ctx context.Context, room *domain.Room, cfg *domain.AgentConfig, cause error) {
	slog.Error("Backend request failed", "room_id", room.ID, "error", cause)
	c.feed.StopTyping(ctx, room.ID)
	c.sendText(ctx, room, cfg.ServiceUnavailableText())
	c.publish(ctx, events.KeyUnavailable, room.ID, events.Unavailable{RoomID: room.ID, Error: cause.Error()})

	if cfg == nil || cfg.FallbackTargetDepartment == "" {
		slog.Warn("No fallback department configured, visitor left with unavailable message", "room_id", room.ID)
		return
	}

	if err := c.platform.UpdateRoomCustomFields(ctx, room.ID, map[string]any{domain.FieldChatBotFunctional: false}); err != nil {
		slog.Error("Failed to flag bot as non functional", "room_id", room.ID, "error", err)
	}
	if err := c.handover(ctx, room.ID, cfg, plan.HandoverRequest{Department: cfg.FallbackTargetDepartment}); err != nil {
		slog.Error("Handover after backend failure failed", "room_id", room.ID, "error", err)
	}
}

// closedByVisitor sends the configured closed-by-visitor event.
func (c *Coordinator) closedByVisitor(ctx context.Context, room *domain.Room) {
	c.feed.StopTyping(ctx, room.ID)

	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		slog.Warn("No agent config for closed room", "room_id", room.ID, "error", err)
		return
	}
	if !cfg.EnableChatClosedByVisitorEvent {
		return
	}
	name := cfg.ChatClosedByVisitorEvent
	if name == "" {
		name = domain.DefaultClosedByVisitorEvent
	}
	if _, err := c.backend.Send(ctx, room.ID, dialogflow.EventRequest(name, nil)); err != nil {
		slog.Error("Closed-by-visitor event failed", "room_id", room.ID, "error", err)
	}
}

func (c *Coordinator) room(ctx context.Context, roomID string) (*domain.Room, error) {
	if roomID == "" {
		return nil, domain.ErrInvalidSession
	}
	room, err := c.platform.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if room == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRoom, roomID)
	}
	return room, nil
}

// openRoom loads a room and fails with ErrRoomClosed if it is closed.
func (c *Coordinator) openRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := c.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsOpen {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomClosed, roomID)
	}
	return room, nil
}

func (c *Coordinator) cancelJobs(ctx context.Context, roomID string, kind domain.JobKind) {
	if err := c.scheduler.CancelByQuery(ctx, roomID, kind); err != nil {
		slog.Warn("Failed to cancel jobs", "room_id", roomID, "kind", kind, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, key, roomID string, data any) {
	if err := c.events.Publish(ctx, key, events.NewEnvelope(key, roomID, data)); err != nil {
		slog.Warn("Failed to publish event", "key", key, "room_id", roomID, "error", err)
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
