package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Providers.Primary != "anthropic" || !cfg.Providers.FallbackEnabled {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if cfg.Security.RateLimitPerMinute != 30 || cfg.Security.MaxContentChars != 4000 {
		t.Fatalf("security = %+v", cfg.Security)
	}
	if cfg.Memory.MaxMessages != 100 || cfg.Memory.SessionTTLHours != 24 {
		t.Fatalf("memory = %+v", cfg.Memory)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %s", cfg.Storage.Driver)
	}
}

func TestLoadJSON5File(t *testing.T) {
	// Comments and trailing commas are accepted.
	path := writeConfig(t, `{
		// listener
		gateway: {port: 9000,},
		security: {rate_limit_per_minute: 5,},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Security.RateLimitPerMinute != 5 {
		t.Fatalf("rate limit = %d", cfg.Security.RateLimitPerMinute)
	}
	// Untouched sections keep their defaults.
	if cfg.Security.TokenLimitPerHour != 10_000 {
		t.Fatalf("token limit = %d", cfg.Security.TokenLimitPerHour)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `{gateway: `)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{gateway: {port: 9000}}`)
	t.Setenv("DESKWIRE_PORT", "9100")
	t.Setenv("DESKWIRE_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("DESKWIRE_PROVIDER", "openai")
	t.Setenv("DESKWIRE_RATE_LIMIT_PER_MINUTE", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Fatalf("port = %d, env should win over file", cfg.Gateway.Port)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Fatal("api key not read from env")
	}
	if cfg.Providers.Primary != "openai" {
		t.Fatalf("primary = %s", cfg.Providers.Primary)
	}
	if cfg.Security.RateLimitPerMinute != 7 {
		t.Fatalf("rate limit = %d", cfg.Security.RateLimitPerMinute)
	}
}

func TestSecretsNeverComeFromFile(t *testing.T) {
	// API keys and DSNs in the file are ignored; the fields only bind env.
	path := writeConfig(t, `{
		providers: {anthropic: {APIKey: "sk-leaked", api_key: "sk-leaked"}},
		storage: {PostgresDSN: "postgres://leaked"},
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		t.Fatalf("api key bound from file: %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Storage.PostgresDSN != "" {
		t.Fatalf("dsn bound from file: %q", cfg.Storage.PostgresDSN)
	}
}

func TestValidateKeepRecentBelowMaxMessages(t *testing.T) {
	path := writeConfig(t, `{memory: {keep_recent: 100, max_messages: 50}}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid trim bounds accepted")
	}
	if !strings.Contains(err.Error(), "keep_recent") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateStorageDriver(t *testing.T) {
	path := writeConfig(t, `{storage: {driver: "redis"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown storage driver accepted")
	}

	path = writeConfig(t, `{storage: {driver: "postgres"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("postgres driver without DSN accepted")
	}

	t.Setenv("DESKWIRE_POSTGRES_DSN", "postgres://localhost/deskwire")
	if _, err := Load(path); err != nil {
		t.Fatalf("postgres driver with DSN rejected: %v", err)
	}
}

func TestSnapshotAndApplyTunables(t *testing.T) {
	cfg := Default()
	sec, mem, mon := cfg.Snapshot()
	if sec.RateLimitPerMinute != 30 || mem.MaxMessages != 100 || mon.AlertP95MS != 5000 {
		t.Fatalf("snapshot = %+v %+v %+v", sec, mem, mon)
	}

	sec.RateLimitPerMinute = 99
	cfg.ApplyTunables(sec, mem, mon)
	sec2, _, _ := cfg.Snapshot()
	if sec2.RateLimitPerMinute != 99 {
		t.Fatalf("reloaded rate limit = %d", sec2.RateLimitPerMinute)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got := ExpandHome("~/.deskwire/deskwire.db")
	if !strings.HasPrefix(got, home) {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/var/lib/deskwire.db"); got != "/var/lib/deskwire.db" {
		t.Fatalf("absolute path rewritten: %q", got)
	}
}
