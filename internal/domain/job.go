package domain

import (
	"time"
)

// JobKind names a scheduled job family.
type JobKind string

const (
	// JobKindEvent sends a delayed backend event requested by a SetTimeout action.
	JobKindEvent JobKind = "event-scheduler"
	// JobKindSessionMaintenance keeps the backend session alive after handover.
	JobKindSessionMaintenance JobKind = "session-maintenance"
)

// Job is a one-shot scheduled unit of work bound to a room.
type Job struct {
	ID        string
	Kind      JobKind
	RoomID    string
	When      time.Time
	Data      map[string]any
	CreatedAt time.Time
}

// StringData returns a string payload value, or "".
func (j *Job) StringData(key string) string {
	if j == nil || j.Data == nil {
		return ""
	}
	s, _ := j.Data[key].(string)
	return s
}

// BoolData returns a boolean payload value, or false.
func (j *Job) BoolData(key string) bool {
	if j == nil || j.Data == nil {
		return false
	}
	b, _ := j.Data[key].(bool)
	return b
}
