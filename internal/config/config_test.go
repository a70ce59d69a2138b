package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.DBDriver != "sqlite" || cfg.DBDSN != "conductor.db" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.TickInterval != 30*time.Second {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.Limits.MaxChatRoundtrips != 10 || cfg.Limits.MaxAutomationRoundtrips != 30 {
		t.Errorf("roundtrip limits = %+v", cfg.Limits)
	}
	if cfg.Limits.MaxNetworkRetriesChat != 3 || cfg.Limits.MaxNetworkRetriesAutomation != 5 {
		t.Errorf("network retry limits = %+v", cfg.Limits)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: ":9090"
db_driver: Postgres
db_dsn: "host=localhost dbname=conductor"
tick_interval: 10s
default_provider: openai
providers:
  - id: openai
    api_key: sk-from-file
    model: gpt-4o
limits:
  max_chat_roundtrips: 5
  max_network_retries_automation: 7
  network_retry_backoff: 2s
rates:
  OpenAI/GPT-4o:
    input_per_mtok: 2.5
    output_per_mtok: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.DBDriver != "postgres" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TickInterval != 10*time.Second {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.Limits.MaxChatRoundtrips != 5 {
		t.Errorf("chat roundtrips = %d", cfg.Limits.MaxChatRoundtrips)
	}
	// Untouched limits keep their defaults.
	if cfg.Limits.MaxAutomationRoundtrips != 30 || cfg.Limits.MaxFormatRetries != 2 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Limits.MaxNetworkRetriesAutomation != 7 || cfg.Limits.NetworkRetryBackoff != 2*time.Second {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if _, ok := cfg.Rates["openai/gpt-4o"]; !ok {
		t.Errorf("rate keys not normalized: %+v", cfg.Rates)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
default_provider: openai
providers:
  - id: openai
    model: gpt-4o
`)
	t.Setenv("CONDUCTOR_HTTP_ADDR", ":7070")
	t.Setenv("CONDUCTOR_DB_DSN", "override.db")
	t.Setenv("CONDUCTOR_TICK_INTERVAL", "1m")
	t.Setenv("CONDUCTOR_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" || cfg.DBDSN != "override.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TickInterval != time.Minute {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Providers = []ProviderConfig{{ID: "openai", Model: "gpt-4o"}}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = " " }},
		{name: "bad driver", mutate: func(c *Config) { c.DBDriver = "mysql" }},
		{name: "empty dsn", mutate: func(c *Config) { c.DBDSN = "" }},
		{name: "zero tick", mutate: func(c *Config) { c.TickInterval = 0 }},
		{name: "no providers", mutate: func(c *Config) { c.Providers = nil }},
		{name: "provider without model", mutate: func(c *Config) { c.Providers[0].Model = "" }},
		{name: "duplicate providers", mutate: func(c *Config) {
			c.Providers = append(c.Providers, ProviderConfig{ID: "OpenAI", Model: "gpt-4o"})
		}},
		{name: "unknown default provider", mutate: func(c *Config) { c.DefaultProvider = "anthropic" }},
		{name: "zero roundtrips", mutate: func(c *Config) { c.Limits.MaxChatRoundtrips = 0 }},
		{name: "negative retries", mutate: func(c *Config) { c.Limits.MaxFormatRetries = -1 }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Providers = append([]ProviderConfig(nil), base.Providers...)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLimitsPerKind(t *testing.T) {
	l := Default().Limits
	if l.MaxRoundtrips(false) != 10 || l.MaxRoundtrips(true) != 30 {
		t.Errorf("roundtrips = %d/%d", l.MaxRoundtrips(false), l.MaxRoundtrips(true))
	}
	if l.MaxNetworkRetries(false) != 3 || l.MaxNetworkRetries(true) != 5 {
		t.Errorf("network retries = %d/%d", l.MaxNetworkRetries(false), l.MaxNetworkRetries(true))
	}
}
