// Package plan turns a normalized backend response into an ordered list of
// steps for the executor.
package plan

import (
	"time"

	"github.com/ashureev/dfbridge/internal/dialogflow"
)

// Kind is the type of a plan step.
type Kind string

const (
	KindMessage        Kind = "message"
	KindHandover       Kind = "handover"
	KindClose          Kind = "close"
	KindScheduleEvent  Kind = "schedule-event"
	KindChangeLanguage Kind = "change-language"
	KindWelcomeEvent   Kind = "welcome-event"
	KindDropQueue      Kind = "drop-queue"
)

// HandoverRequest describes a transfer to a human department.
type HandoverRequest struct {
	// Department is a name or id; empty means the agent's fallback department.
	Department string
	// RoomFields are merged into the room's custom fields before the transfer.
	RoomFields map[string]any
	// Announcement overrides the pending message shown to the visitor.
	Announcement string
	// Messages, when set, are rendered in place of Announcement.
	Messages []dialogflow.MessageUnit
	// Forced is set when the fallback threshold triggered the handover.
	Forced bool
}

// ScheduledEvent is a delayed backend event.
type ScheduledEvent struct {
	Name  string
	Delay time.Duration
	// ContinueBlackout keeps the processing flag armed until the event fires.
	ContinueBlackout bool
}

// Step is one unit of work. Only the field matching Kind is set.
type Step struct {
	Kind     Kind
	Message  dialogflow.MessageUnit
	Handover HandoverRequest
	Event    ScheduledEvent
	Language string
}

// Plan is the ordered result of interpreting one response.
type Plan struct {
	Steps    []Step
	Fallback bool
}

// Has reports whether the plan contains a step of kind.
func (p Plan) Has(kind Kind) bool {
	for _, s := range p.Steps {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// Messages returns the message units of the plan in order.
func (p Plan) Messages() []dialogflow.MessageUnit {
	var out []dialogflow.MessageUnit
	for _, s := range p.Steps {
		if s.Kind == KindMessage {
			out = append(out, s.Message)
		}
	}
	return out
}
