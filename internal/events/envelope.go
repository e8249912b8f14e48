// Package events publishes bot lifecycle events to RabbitMQ.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys of published events.
const (
	KeyHandover    = "livechat.bot.handover.v1"
	KeyClosed      = "livechat.bot.closed.v1"
	KeyUnavailable = "livechat.bot.unavailable.v1"
)

// Producer identifies this service in event metadata.
const Producer = "dfbridge"

// Meta is the metadata block of every event.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. livechat.bot.closed.v1
	Type string `json:"type"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id and the current time. The room id
// doubles as correlation id so all events of a conversation group together.
func NewEnvelope(key, roomID string, data any) Envelope {
	producer := Producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &producer,
		Time:     time.Now().UTC(),
		Type:     key,
	}
	if roomID != "" {
		cid := roomID
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: data}
}

// Handover is published after a room is transferred to a department.
type Handover struct {
	RoomID       string `json:"room_id"`
	DepartmentID string `json:"department_id"`
	Department   string `json:"department"`
	Forced       bool   `json:"forced,omitempty"`
}

// Closed is published after the bot closes a room.
type Closed struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// Unavailable is published when the backend could not answer a visitor.
type Unavailable struct {
	RoomID string `json:"room_id"`
	Error  string `json:"error"`
}
