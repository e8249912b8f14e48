package domain

import (
	"time"
)

// Session is the persisted conversation state of one livechat room.
// A missing record reads as the zero value.
type Session struct {
	RoomID              string
	IsProcessing        bool
	IsQueueWindowActive bool
	QueuedMessage       string
	LanguageOverride    string
	FallbackCount       int
	WelcomeEventSent    bool
	IsHandedOver        bool
	AgentConfigSnapshot *AgentConfig
	UpdatedAt           time.Time
}

// HasQueuedMessage reports whether visitor text is waiting for the queue window to close.
func (s *Session) HasQueuedMessage() bool {
	return s != nil && s.QueuedMessage != ""
}
