// Package store provides persistence for per-room session state and
// scheduled jobs.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
)

// SessionStore holds per-room conversation state. Every setter is a merge of
// a single field; reads of an unknown room return defaults, never an error.
type SessionStore interface {
	// Session reads the full state of a room.
	Session(ctx context.Context, roomID string) (*domain.Session, error)

	IsProcessing(ctx context.Context, roomID string) (bool, error)
	SetProcessing(ctx context.Context, roomID string, processing bool) error

	IsQueueActive(ctx context.Context, roomID string) (bool, error)
	SetQueueActive(ctx context.Context, roomID string, active bool) error

	// QueuedMessage returns the deferred visitor text, or "".
	QueuedMessage(ctx context.Context, roomID string) (string, error)
	// SetQueuedMessage overwrites the deferred text; "" clears it.
	SetQueuedMessage(ctx context.Context, roomID string, text string) error

	Language(ctx context.Context, roomID string) (string, error)
	SetLanguage(ctx context.Context, roomID string, code string) error

	AgentConfigSnapshot(ctx context.Context, roomID string) (*domain.AgentConfig, error)
	SetAgentConfigSnapshot(ctx context.Context, roomID string, cfg *domain.AgentConfig) error

	// IncrementFallback bumps the consecutive fallback counter and returns the new value.
	IncrementFallback(ctx context.Context, roomID string) (int, error)
	ResetFallback(ctx context.Context, roomID string) error

	WelcomeEventSent(ctx context.Context, roomID string) (bool, error)
	SetWelcomeEventSent(ctx context.Context, roomID string, sent bool) error

	IsHandedOver(ctx context.Context, roomID string) (bool, error)
	SetHandedOver(ctx context.Context, roomID string, handedOver bool) error

	// DeleteSession removes all state of a room.
	DeleteSession(ctx context.Context, roomID string) error
}

// JobStore persists one-shot scheduled jobs.
type JobStore interface {
	// SaveJob inserts or replaces a job.
	SaveJob(ctx context.Context, job *domain.Job) error

	// DueJobs returns up to limit jobs due at or before now, oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// ClaimJob removes a job and reports whether this caller removed it.
	// Only the caller that claims a job may run it.
	ClaimJob(ctx context.Context, job *domain.Job) (bool, error)

	// CancelJobs removes jobs of a room; an empty kind matches every kind.
	CancelJobs(ctx context.Context, roomID string, kind domain.JobKind) (int64, error)
}

// Repository is the full persistence backend.
type Repository interface {
	SessionStore
	JobStore

	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
