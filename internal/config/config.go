// Package config holds the gateway configuration: JSON5 file, env overlay,
// and hot reload of tunable limits.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the DeskWire gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Security  SecurityConfig  `json:"security"`
	Memory    MemoryConfig    `json:"memory"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Monitor   MonitorConfig   `json:"monitor"`
	Storage   StorageConfig   `json:"storage"`

	mu sync.RWMutex
}

// GatewayConfig configures the WebSocket/HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	Token          string   `json:"-"` // from env DESKWIRE_GATEWAY_TOKEN only
}

// ProvidersConfig configures the LLM call layer.
type ProvidersConfig struct {
	Anthropic ProviderSpec `json:"anthropic,omitempty"`
	OpenAI    ProviderSpec `json:"openai,omitempty"`

	Primary         string `json:"primary"`  // "anthropic" or "openai"
	Fallback        string `json:"fallback"` // "" disables
	FallbackEnabled bool   `json:"fallback_enabled"`
	MaxTokens       int    `json:"max_tokens"`
}

// ProviderSpec holds per-provider credentials and model selection.
type ProviderSpec struct {
	APIKey  string `json:"-"` // from env only, never persisted
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// SecurityConfig holds the security-gate limits.
type SecurityConfig struct {
	RateLimitPerMinute  int `json:"rate_limit_per_minute"`  // chat requests per session
	TokenLimitPerHour   int `json:"token_limit_per_hour"`   // LLM tokens per session
	WSMessagesPerMinute int `json:"ws_messages_per_minute"` // frames per connection
	VoicePerMinute      int `json:"voice_per_minute"`
	Burst               int `json:"burst"`             // allowance above the window limit
	MaxContentChars     int `json:"max_content_chars"` // content filter length cap
}

// MemoryConfig holds the per-session memory engine tunables.
type MemoryConfig struct {
	MaxMessages     int    `json:"max_messages"`
	KeepRecent      int    `json:"keep_recent"`
	SummaryTrigger  int    `json:"summary_trigger"`
	SessionTTLHours int    `json:"session_ttl_hours"`
	MailboxSize     int    `json:"mailbox_size"`
	IdleEvictMin    int    `json:"idle_evict_minutes"` // stop idle actors (state stays durable)
	CleanupSchedule string `json:"cleanup_schedule"`   // cron expression
}

// TTL returns the session TTL as a duration.
func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.SessionTTLHours) * time.Hour
}

// WorkflowConfig holds orchestrator tunables.
type WorkflowConfig struct {
	Concurrency      int `json:"concurrency"`        // parallel steps per execution
	DefaultTimeoutMS int `json:"default_timeout_ms"` // per-step default
}

// MonitorConfig holds alerting, health, and telemetry settings.
type MonitorConfig struct {
	AlertErrorRate float64         `json:"alert_error_rate"` // errors/sec threshold
	AlertP95MS     float64         `json:"alert_p95_ms"`
	AlertSchedule  string          `json:"alert_schedule"` // cron expression
	HealthT1MS     int             `json:"health_t1_ms"`   // healthy below
	HealthT2MS     int             `json:"health_t2_ms"`   // degraded below, unhealthy at or above
	Telemetry      TelemetryConfig `json:"telemetry,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// StorageConfig selects the warm KV backend and the cold blob location.
// PostgresDSN is NEVER read from the config file (secret) — env only.
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
	BlobDir     string `json:"blob_dir,omitempty"`
}

// Snapshot returns a copy of the tunable sections under the read lock.
// Handlers hold the snapshot for the life of one request so a concurrent
// reload never produces a torn read.
func (c *Config) Snapshot() (SecurityConfig, MemoryConfig, MonitorConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Security, c.Memory, c.Monitor
}

// ApplyTunables swaps in reloaded limit/alert sections.
func (c *Config) ApplyTunables(sec SecurityConfig, mem MemoryConfig, mon MonitorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Security = sec
	c.Memory = mem
	c.Monitor = mon
}
