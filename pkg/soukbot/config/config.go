// Package config defines all configuration structures for the soukbot
// sales agent.
package config

import (
	"sync"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	// Agent configures the sales persona and runtime behavior.
	Agent AgentConfig `yaml:"agent"`

	// LLM configures the language model provider.
	LLM LLMConfig `yaml:"llm"`

	// WhatsApp configures the WhatsApp transport.
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`

	// Store configures the document store.
	Store StoreConfig `yaml:"store"`

	// Gateway configures the HTTP control plane.
	Gateway GatewayConfig `yaml:"gateway"`

	// FollowUp configures the pending-order reminder sweeper.
	FollowUp FollowUpConfig `yaml:"followup"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig configures the sales persona.
type AgentConfig struct {
	// Name is the persona name customers see (used to sign messages).
	Name string `yaml:"name"`

	// Store is the shop name mentioned in prompts.
	Store string `yaml:"store"`

	// Currency is the display currency for prices (e.g. "MAD").
	Currency string `yaml:"currency"`

	// AutoRespond enables automatic replies to inbound WhatsApp messages.
	// When false, inbound messages are ignored.
	AutoRespond bool `yaml:"auto_respond"`

	// MaxDiscountPercent is the hard ceiling for negotiated discounts.
	MaxDiscountPercent int `yaml:"max_discount_percent"`

	// HistoryLimit is the number of recent turns given to the model.
	HistoryLimit int `yaml:"history_limit"`

	// TypingPerChar is the simulated typing time per character of a
	// reply fragment.
	TypingPerChar time.Duration `yaml:"typing_per_char"`

	// MaxTypingDelay caps the simulated typing time for one fragment.
	MaxTypingDelay time.Duration `yaml:"max_typing_delay"`
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API base (e.g. "https://api.deepseek.com/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates with the provider. Prefer ${SOUKBOT_API_KEY}.
	APIKey string `yaml:"api_key"`

	// Model is the chat model name.
	Model string `yaml:"model"`

	// EmbeddingModel is the model used for product embeddings.
	EmbeddingModel string `yaml:"embedding_model"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`
}

// WhatsAppConfig configures the WhatsApp transport.
type WhatsAppConfig struct {
	// SessionDir is where per-session credential databases live.
	SessionDir string `yaml:"session_dir"`

	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the base delay between reconnect attempts.
	// The delay grows linearly with the attempt count, capped at 5 minutes.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the give-up threshold (0 = retry forever).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// GatewayConfig configures the HTTP control plane.
type GatewayConfig struct {
	// Enabled turns the HTTP server on/off.
	Enabled bool `yaml:"enabled"`

	// Host is the bind address.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`

	// AuthToken protects all non-health routes when set.
	AuthToken string `yaml:"auth_token"`
}

// FollowUpConfig configures the pending-order reminder sweeper.
type FollowUpConfig struct {
	// Enabled turns the sweeper on/off.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec (robfig/cron v3 syntax).
	Schedule string `yaml:"schedule"`

	// StaleAfter is how long an incomplete order may sit idle before
	// the customer gets a nudge.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:               "Mohamed",
			Store:              "Souk Electronics",
			Currency:           "MAD",
			AutoRespond:        true,
			MaxDiscountPercent: 10,
			HistoryLimit:       10,
			TypingPerChar:      60 * time.Millisecond,
			MaxTypingDelay:     8 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.deepseek.com/v1",
			Model:          "deepseek-chat",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        120 * time.Second,
		},
		WhatsApp: WhatsAppConfig{
			SessionDir:           "./data/sessions",
			DeviceName:           "soukbot",
			ReconnectBackoff:     5 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Store: StoreConfig{
			Path: "./data/soukbot.db",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    3001,
		},
		FollowUp: FollowUpConfig{
			Enabled:    true,
			Schedule:   "@every 1h",
			StaleAfter: 6 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Settings holds the mutable runtime knobs that the control plane can
// change while the agent is running. All access goes through the
// accessors, so handlers and the dispatch pipeline never race.
type Settings struct {
	mu             sync.RWMutex
	autoRespond    bool
	agentName      string
	typingPerChar  time.Duration
	maxTypingDelay time.Duration
}

// NewSettings seeds runtime settings from the static config.
func NewSettings(cfg *Config) *Settings {
	s := &Settings{
		autoRespond:    cfg.Agent.AutoRespond,
		agentName:      cfg.Agent.Name,
		typingPerChar:  cfg.Agent.TypingPerChar,
		maxTypingDelay: cfg.Agent.MaxTypingDelay,
	}
	if s.typingPerChar <= 0 {
		s.typingPerChar = 60 * time.Millisecond
	}
	if s.maxTypingDelay <= 0 {
		s.maxTypingDelay = 8 * time.Second
	}
	return s
}

// AutoRespond reports whether inbound messages should be answered.
func (s *Settings) AutoRespond() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoRespond
}

// SetAutoRespond flips automatic replies on or off.
func (s *Settings) SetAutoRespond(v bool) {
	s.mu.Lock()
	s.autoRespond = v
	s.mu.Unlock()
}

// AgentName returns the persona name used to sign messages.
func (s *Settings) AgentName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentName
}

// SetAgentName updates the persona name.
func (s *Settings) SetAgentName(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.agentName = name
	s.mu.Unlock()
}

// TypingPerChar returns the simulated typing time per character.
func (s *Settings) TypingPerChar() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typingPerChar
}

// SetTypingPerChar updates the per-character typing pace. Non-positive
// values are ignored.
func (s *Settings) SetTypingPerChar(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.typingPerChar = d
	s.mu.Unlock()
}

// MaxTypingDelay returns the cap on simulated typing per fragment.
func (s *Settings) MaxTypingDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTypingDelay
}

// SetMaxTypingDelay updates the typing cap. Non-positive values are
// ignored.
func (s *Settings) SetMaxTypingDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.maxTypingDelay = d
	s.mu.Unlock()
}
