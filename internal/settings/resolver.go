package settings

import (
	"context"
	"fmt"

	"github.com/ashureev/dfbridge/internal/domain"
)

// SnapshotReader reads the agent configuration captured for a room.
type SnapshotReader interface {
	AgentConfigSnapshot(ctx context.Context, roomID string) (*domain.AgentConfig, error)
}

// Resolver picks the agent configuration for a room: the session snapshot
// first, then the registry entry of the serving bot.
type Resolver struct {
	sessions SnapshotReader
	registry *Registry
}

// NewResolver creates a Resolver.
func NewResolver(sessions SnapshotReader, registry *Registry) *Resolver {
	return &Resolver{sessions: sessions, registry: registry}
}

// AgentConfig returns the configuration in effect for room.
func (r *Resolver) AgentConfig(ctx context.Context, room *domain.Room) (*domain.AgentConfig, error) {
	if room == nil {
		return nil, domain.ErrInvalidRoom
	}

	snapshot, err := r.sessions.AgentConfigSnapshot(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("read agent snapshot: %w", err)
	}
	if snapshot != nil {
		return snapshot, nil
	}

	username := room.ServedByUsername()
	if username == "" {
		username = r.registry.BotUsername()
	}
	if cfg, ok := r.registry.Agent(username); ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("%w: no agent configured for %q", domain.ErrConfig, username)
}
