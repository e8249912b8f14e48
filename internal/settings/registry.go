// Package settings loads the bot agent registry and resolves the agent
// configuration in effect for a room.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ashureev/dfbridge/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	agentsPathKey   = "agents.path"
	agentsPathEnv   = "AGENTS_FILE"
	DefaultFileName = "agents.toml"
)

type registryFile struct {
	BotUsername string                        `toml:"bot_username"`
	Agents      map[string]domain.AgentConfig `toml:"agents"`
}

// Registry holds the agent configurations keyed by bot username.
// Reads are served from an immutable snapshot swapped on reload.
type Registry struct {
	path string

	mu          sync.RWMutex
	botUsername string
	agents      map[string]*domain.AgentConfig
}

// NewRegistry resolves the registry path: AGENTS_FILE wins over path, and
// path wins over ./agents.toml.
func NewRegistry(cfg *viper.Viper, path string) (*Registry, error) {
	if cfg == nil {
		cfg = viper.New()
	}
	cfg.SetDefault(agentsPathKey, DefaultFileName)
	if path != "" {
		cfg.SetDefault(agentsPathKey, path)
	}
	if err := cfg.BindEnv(agentsPathKey, agentsPathEnv); err != nil {
		return nil, fmt.Errorf("bind %s: %w", agentsPathEnv, err)
	}

	resolved := cfg.GetString(agentsPathKey)
	if resolved == "" {
		return nil, errors.New("agents path is empty")
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolve agents path: %w", err)
	}
	return &Registry{path: abs, agents: map[string]*domain.AgentConfig{}}, nil
}

// Path returns the absolute registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Load reads and validates the registry file, replacing the current snapshot.
// On error the previous snapshot stays in effect.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("%w: read agent registry: %w", domain.ErrConfig, err)
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: decode agent registry: %w", domain.ErrConfig, err)
	}

	agents := make(map[string]*domain.AgentConfig, len(file.Agents))
	for username, agent := range file.Agents {
		cfg := agent
		cfg.Username = username
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		agents[username] = &cfg
	}

	bot := file.BotUsername
	if bot == "" && len(agents) == 1 {
		for username := range agents {
			bot = username
		}
	}
	if bot != "" {
		if _, ok := agents[bot]; !ok {
			return fmt.Errorf("%w: bot_username %q has no agent entry", domain.ErrConfig, bot)
		}
	}

	r.mu.Lock()
	r.botUsername = bot
	r.agents = agents
	r.mu.Unlock()

	slog.Info("Agent registry loaded", "path", r.path, "agents", len(agents), "bot_username", bot)
	return nil
}

// Agent returns a copy of the configuration of a bot account.
func (r *Registry) Agent(username string) (*domain.AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[username]
	if !ok {
		return nil, false
	}
	clone := *cfg
	return &clone, true
}

// BotUsername returns the default bot account.
func (r *Registry) BotUsername() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.botUsername
}

// IsBot reports whether username belongs to a configured bot.
func (r *Registry) IsBot(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[username]
	return ok
}

// Agents returns copies of every configured agent, ordered by username.
func (r *Registry) Agents() []*domain.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.AgentConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		clone := *cfg
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Watch reloads the registry whenever its file changes and calls onReload
// after each successful reload. It returns when ctx is done.
func (r *Registry) Watch(ctx context.Context, onReload func()) {
	changes := WatchFiles(ctx, r.path)
	go func() {
		for range changes {
			if err := r.Load(); err != nil {
				slog.Error("Agent registry reload failed, keeping previous settings", "error", err)
				continue
			}
			if onReload != nil {
				onReload()
			}
		}
	}()
}
