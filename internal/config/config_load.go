package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Providers: ProvidersConfig{
			Anthropic:       ProviderSpec{Model: "claude-sonnet-4-5-20250929"},
			OpenAI:          ProviderSpec{Model: "gpt-4o-mini"},
			Primary:         "anthropic",
			Fallback:        "openai",
			FallbackEnabled: true,
			MaxTokens:       4096,
		},
		Security: SecurityConfig{
			RateLimitPerMinute:  30,
			TokenLimitPerHour:   10_000,
			WSMessagesPerMinute: 60,
			VoicePerMinute:      20,
			Burst:               10,
			MaxContentChars:     4000,
		},
		Memory: MemoryConfig{
			MaxMessages:     100,
			KeepRecent:      20,
			SummaryTrigger:  20,
			SessionTTLHours: 24,
			MailboxSize:     100,
			IdleEvictMin:    30,
			CleanupSchedule: "*/10 * * * *",
		},
		Workflow: WorkflowConfig{
			Concurrency:      4,
			DefaultTimeoutMS: 30_000,
		},
		Monitor: MonitorConfig{
			AlertErrorRate: 0.1,
			AlertP95MS:     5000,
			AlertSchedule:  "* * * * *",
			HealthT1MS:     1000,
			HealthT2MS:     3000,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.deskwire/deskwire.db",
			BlobDir:    "~/.deskwire/archive",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets come from env only.
	envStr("DESKWIRE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("DESKWIRE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("DESKWIRE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("DESKWIRE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("DESKWIRE_FALLBACK_KEY", &c.Providers.OpenAI.APIKey)

	envStr("DESKWIRE_HOST", &c.Gateway.Host)
	envInt("DESKWIRE_PORT", &c.Gateway.Port)

	envStr("DESKWIRE_PROVIDER", &c.Providers.Primary)
	envStr("DESKWIRE_FALLBACK", &c.Providers.Fallback)
	if v := os.Getenv("DESKWIRE_FALLBACK_ENABLED"); v != "" {
		c.Providers.FallbackEnabled = v == "true" || v == "1"
	}
	envInt("DESKWIRE_MAX_TOKENS", &c.Providers.MaxTokens)

	envInt("DESKWIRE_RATE_LIMIT_PER_MINUTE", &c.Security.RateLimitPerMinute)
	envInt("DESKWIRE_SESSION_TTL_HOURS", &c.Memory.SessionTTLHours)
	envInt("DESKWIRE_MAX_MESSAGES", &c.Memory.MaxMessages)
	envInt("DESKWIRE_KEEP_RECENT", &c.Memory.KeepRecent)
	envInt("DESKWIRE_SUMMARY_TRIGGER", &c.Memory.SummaryTrigger)

	if v := os.Getenv("DESKWIRE_ALERT_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Monitor.AlertErrorRate = f
		}
	}
	if v := os.Getenv("DESKWIRE_ALERT_P95_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Monitor.AlertP95MS = f
		}
	}

	envStr("DESKWIRE_STORAGE_DRIVER", &c.Storage.Driver)
	envStr("DESKWIRE_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("DESKWIRE_BLOB_DIR", &c.Storage.BlobDir)

	envStr("DESKWIRE_TELEMETRY_ENDPOINT", &c.Monitor.Telemetry.Endpoint)
	envStr("DESKWIRE_TELEMETRY_PROTOCOL", &c.Monitor.Telemetry.Protocol)
	if v := os.Getenv("DESKWIRE_TELEMETRY_ENABLED"); v != "" {
		c.Monitor.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DESKWIRE_TELEMETRY_INSECURE"); v != "" {
		c.Monitor.Telemetry.Insecure = v == "true" || v == "1"
	}
}

func (c *Config) validate() error {
	if c.Memory.KeepRecent >= c.Memory.MaxMessages {
		return fmt.Errorf("config: keep_recent (%d) must be below max_messages (%d)",
			c.Memory.KeepRecent, c.Memory.MaxMessages)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: storage driver is postgres but DESKWIRE_POSTGRES_DSN is not set")
	}
	return nil
}

// ExpandHome expands a leading ~ in a path.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
