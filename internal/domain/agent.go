package domain

import (
	"fmt"
	"strings"
)

// Backend protocol variants selected by AgentConfig.AgentVersion.
const (
	AgentVersionLegacy  = "ES"
	AgentVersionNextGen = "CX"
)

// Defaults applied to agent settings left empty.
const (
	DefaultEnvironment                 = "draft"
	DefaultLanguage                    = "en"
	DefaultTimeZone                    = "America/Los_Angeles"
	DefaultRegion                      = "global"
	DefaultClosedByVisitorEvent        = "end_live_chat"
	DefaultSessionMaintenanceEventName = "session_maintenance"
)

// AgentConfig is the credential and behaviour bundle of one bot account.
type AgentConfig struct {
	Username        string `toml:"-" json:"username"`
	ProjectID       string `toml:"project_id" json:"project_id"`
	ClientEmail     string `toml:"client_email" json:"client_email"`
	PrivateKey      string `toml:"private_key" json:"private_key"`
	AgentID         string `toml:"agent_id" json:"agent_id,omitempty"`
	AgentRegion     string `toml:"agent_region" json:"agent_region,omitempty"`
	AgentVersion    string `toml:"agent_version" json:"agent_version,omitempty"`
	EnvironmentID   string `toml:"environment_id" json:"environment_id,omitempty"`
	DefaultLanguage string `toml:"agent_default_language" json:"agent_default_language,omitempty"`
	TimeZone        string `toml:"time_zone" json:"time_zone,omitempty"`

	FallbackResponsesLimit   int    `toml:"fallback_responses_limit" json:"fallback_responses_limit,omitempty"`
	FallbackTargetDepartment string `toml:"fallback_target_department" json:"fallback_target_department,omitempty"`

	HandoverMessage            string `toml:"handover_message" json:"handover_message,omitempty"`
	NoAgentsForHandoverMessage string `toml:"no_agents_for_handover_message" json:"no_agents_for_handover_message,omitempty"`
	ServiceUnavailableMessage  string `toml:"service_unavailable_message" json:"service_unavailable_message,omitempty"`
	CloseChatMessage           string `toml:"close_chat_message" json:"close_chat_message,omitempty"`
	HideQuickReplies           bool   `toml:"hide_quickreplies" json:"hide_quickreplies,omitempty"`

	EnableChatClosedByVisitorEvent bool   `toml:"enable_chat_closed_by_visitor_event" json:"enable_chat_closed_by_visitor_event,omitempty"`
	ChatClosedByVisitorEvent       string `toml:"chat_closed_by_visitor_event" json:"chat_closed_by_visitor_event,omitempty"`

	EnableWelcomeMessage bool   `toml:"enable_welcome_message" json:"enable_welcome_message,omitempty"`
	WelcomeMessage       string `toml:"welcome_message" json:"welcome_message,omitempty"`
	WelcomeIntentOnStart bool   `toml:"welcome_intent_on_start" json:"welcome_intent_on_start,omitempty"`

	SessionMaintenanceInterval  string `toml:"session_maintenance_interval" json:"session_maintenance_interval,omitempty"`
	SessionMaintenanceEventName string `toml:"session_maintenance_event_name" json:"session_maintenance_event_name,omitempty"`
}

// ApplyDefaults fills empty optional settings.
func (c *AgentConfig) ApplyDefaults() {
	if c.EnvironmentID == "" {
		c.EnvironmentID = DefaultEnvironment
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = DefaultLanguage
	}
	if c.TimeZone == "" {
		c.TimeZone = DefaultTimeZone
	}
	if c.AgentRegion == "" {
		c.AgentRegion = DefaultRegion
	}
	if c.ChatClosedByVisitorEvent == "" {
		c.ChatClosedByVisitorEvent = DefaultClosedByVisitorEvent
	}
	if c.SessionMaintenanceEventName == "" {
		c.SessionMaintenanceEventName = DefaultSessionMaintenanceEventName
	}
}

// Validate checks that the credential bundle is usable.
func (c *AgentConfig) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: project_id cannot be empty for %q", ErrConfig, c.Username)
	}
	if c.ClientEmail == "" || strings.TrimSpace(c.PrivateKey) == "" {
		return fmt.Errorf("%w: client_email or private_key missing for %q", ErrConfig, c.Username)
	}
	if c.IsNextGen() && c.AgentID == "" {
		return fmt.Errorf("%w: agent_id required for CX agent %q", ErrConfig, c.Username)
	}
	if c.FallbackResponsesLimit < 0 {
		return fmt.Errorf("%w: fallback_responses_limit must be >= 0 for %q", ErrConfig, c.Username)
	}
	return nil
}

// IsNextGen reports whether the agent speaks the CX v3 protocol.
func (c *AgentConfig) IsNextGen() bool {
	return strings.EqualFold(strings.TrimSpace(c.AgentVersion), AgentVersionNextGen)
}

// ServiceUnavailableText returns the configured unavailable message or the default.
func (c *AgentConfig) ServiceUnavailableText() string {
	if c != nil && c.ServiceUnavailableMessage != "" {
		return c.ServiceUnavailableMessage
	}
	return DefaultServiceUnavailableMessage
}

// CloseChatText returns the configured close message or the default.
func (c *AgentConfig) CloseChatText() string {
	if c != nil && c.CloseChatMessage != "" {
		return c.CloseChatMessage
	}
	return DefaultCloseChatMessage
}

// WelcomeText returns the configured welcome message or the default.
func (c *AgentConfig) WelcomeText() string {
	if c != nil && c.WelcomeMessage != "" {
		return c.WelcomeMessage
	}
	return DefaultWelcomeMessage
}
