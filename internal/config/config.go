package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentstack.local/projects/agent-conductor/internal/provider"
)

const (
	defaultHTTPAddr     = ":8080"
	defaultDBDriver     = "sqlite"
	defaultDBDSN        = "conductor.db"
	defaultTickInterval = 30 * time.Second
	defaultMaxTokens    = 4096

	defaultMaxChatRoundtrips           = 10
	defaultMaxAutomationRoundtrips     = 30
	defaultMaxNetworkRetriesChat       = 3
	defaultMaxNetworkRetriesAutomation = 5
	defaultMaxFormatRetries            = 2
	defaultMaxActionRetries            = 2
	defaultNetworkRetryBackoff         = 5 * time.Second
)

type ProviderConfig struct {
	ID       string `yaml:"id"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// Limits bounds session execution. Chat and automation sessions carry
// separate roundtrip and network-retry ceilings.
type Limits struct {
	MaxChatRoundtrips           int64
	MaxAutomationRoundtrips     int64
	MaxNetworkRetriesChat       int
	MaxNetworkRetriesAutomation int
	MaxFormatRetries            int
	MaxActionRetries            int
	NetworkRetryBackoff         time.Duration
}

type Config struct {
	HTTPAddr        string
	DBDriver        string
	DBDSN           string
	TickInterval    time.Duration
	CommandHostURL  string
	WebhookURL      string
	DefaultProvider string
	MaxTokens       int
	Providers       []ProviderConfig
	Limits          Limits
	Rates           provider.RateTable
}

func Default() Config {
	return Config{
		HTTPAddr:     defaultHTTPAddr,
		DBDriver:     defaultDBDriver,
		DBDSN:        defaultDBDSN,
		TickInterval: defaultTickInterval,
		MaxTokens:    defaultMaxTokens,
		Limits: Limits{
			MaxChatRoundtrips:           defaultMaxChatRoundtrips,
			MaxAutomationRoundtrips:     defaultMaxAutomationRoundtrips,
			MaxNetworkRetriesChat:       defaultMaxNetworkRetriesChat,
			MaxNetworkRetriesAutomation: defaultMaxNetworkRetriesAutomation,
			MaxFormatRetries:            defaultMaxFormatRetries,
			MaxActionRetries:            defaultMaxActionRetries,
			NetworkRetryBackoff:         defaultNetworkRetryBackoff,
		},
	}
}

// fileConfig mirrors Config for yaml decoding; durations come in as strings.
type fileConfig struct {
	HTTPAddr        string             `yaml:"http_addr"`
	DBDriver        string             `yaml:"db_driver"`
	DBDSN           string             `yaml:"db_dsn"`
	TickInterval    string             `yaml:"tick_interval"`
	CommandHostURL  string             `yaml:"command_host_url"`
	WebhookURL      string             `yaml:"webhook_url"`
	DefaultProvider string             `yaml:"default_provider"`
	MaxTokens       int                `yaml:"max_tokens"`
	Providers       []ProviderConfig   `yaml:"providers"`
	Limits          fileLimits         `yaml:"limits"`
	Rates           provider.RateTable `yaml:"rates"`
}

type fileLimits struct {
	MaxChatRoundtrips           *int64 `yaml:"max_chat_roundtrips"`
	MaxAutomationRoundtrips     *int64 `yaml:"max_automation_roundtrips"`
	MaxNetworkRetriesChat       *int   `yaml:"max_network_retries_chat"`
	MaxNetworkRetriesAutomation *int   `yaml:"max_network_retries_automation"`
	MaxFormatRetries            *int   `yaml:"max_format_retries"`
	MaxActionRetries            *int   `yaml:"max_action_retries"`
	NetworkRetryBackoff         string `yaml:"network_retry_backoff"`
}

// Load builds the config from defaults, then the yaml file at path (skipped
// when path is empty or the file does not exist), then CONDUCTOR_* env vars.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else {
			var parsed fileConfig
			if err := yaml.Unmarshal(raw, &parsed); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			if err := applyFile(&cfg, parsed); err != nil {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Rates = provider.NormalizeRateTable(cfg.Rates)
	return cfg, nil
}

func applyFile(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(source.TickInterval); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse tick_interval: %w", err)
		}
		cfg.TickInterval = parsed
	}
	if value := strings.TrimSpace(source.CommandHostURL); value != "" {
		cfg.CommandHostURL = value
	}
	if value := strings.TrimSpace(source.WebhookURL); value != "" {
		cfg.WebhookURL = value
	}
	if value := strings.TrimSpace(source.DefaultProvider); value != "" {
		cfg.DefaultProvider = value
	}
	if source.MaxTokens > 0 {
		cfg.MaxTokens = source.MaxTokens
	}
	if len(source.Providers) > 0 {
		cfg.Providers = source.Providers
	}
	if len(source.Rates) > 0 {
		cfg.Rates = source.Rates
	}

	limits := source.Limits
	if limits.MaxChatRoundtrips != nil {
		cfg.Limits.MaxChatRoundtrips = *limits.MaxChatRoundtrips
	}
	if limits.MaxAutomationRoundtrips != nil {
		cfg.Limits.MaxAutomationRoundtrips = *limits.MaxAutomationRoundtrips
	}
	if limits.MaxNetworkRetriesChat != nil {
		cfg.Limits.MaxNetworkRetriesChat = *limits.MaxNetworkRetriesChat
	}
	if limits.MaxNetworkRetriesAutomation != nil {
		cfg.Limits.MaxNetworkRetriesAutomation = *limits.MaxNetworkRetriesAutomation
	}
	if limits.MaxFormatRetries != nil {
		cfg.Limits.MaxFormatRetries = *limits.MaxFormatRetries
	}
	if limits.MaxActionRetries != nil {
		cfg.Limits.MaxActionRetries = *limits.MaxActionRetries
	}
	if value := strings.TrimSpace(limits.NetworkRetryBackoff); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse network_retry_backoff: %w", err)
		}
		cfg.Limits.NetworkRetryBackoff = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_HTTP_ADDR")); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_DB_DRIVER")); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_DB_DSN")); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_TICK_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse CONDUCTOR_TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = parsed
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_COMMAND_HOST_URL")); value != "" {
		cfg.CommandHostURL = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_WEBHOOK_URL")); value != "" {
		cfg.WebhookURL = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_DEFAULT_PROVIDER")); value != "" {
		cfg.DefaultProvider = value
	}
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_MAX_TOKENS")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("CONDUCTOR_MAX_TOKENS must be a positive integer")
		}
		cfg.MaxTokens = parsed
	}
	// One flat key for the common single-provider deployment; it lands on
	// the default provider's entry.
	if value := strings.TrimSpace(os.Getenv("CONDUCTOR_API_KEY")); value != "" {
		applied := false
		for i := range cfg.Providers {
			if strings.EqualFold(cfg.Providers[i].ID, cfg.DefaultProvider) {
				cfg.Providers[i].APIKey = value
				applied = true
				break
			}
		}
		if !applied && len(cfg.Providers) == 1 {
			cfg.Providers[0].APIKey = value
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db_driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("db_dsn must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be > 0")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if id == "" {
			return fmt.Errorf("provider id must not be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate provider id %q", id)
		}
		seen[id] = true
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("provider %q: model must not be empty", id)
		}
	}
	if c.DefaultProvider != "" && !seen[strings.ToLower(strings.TrimSpace(c.DefaultProvider))] {
		return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	return nil
}

func (l Limits) validate() error {
	if l.MaxChatRoundtrips <= 0 || l.MaxAutomationRoundtrips <= 0 {
		return fmt.Errorf("roundtrip ceilings must be > 0")
	}
	if l.MaxNetworkRetriesChat < 0 || l.MaxNetworkRetriesAutomation < 0 {
		return fmt.Errorf("network retry ceilings must be >= 0")
	}
	if l.MaxFormatRetries < 0 || l.MaxActionRetries < 0 {
		return fmt.Errorf("format and action retry ceilings must be >= 0")
	}
	if l.NetworkRetryBackoff < 0 {
		return fmt.Errorf("network_retry_backoff must be >= 0")
	}
	return nil
}

// MaxRoundtrips returns the ceiling for a session kind.
func (l Limits) MaxRoundtrips(isAutomation bool) int64 {
	if isAutomation {
		return l.MaxAutomationRoundtrips
	}
	return l.MaxChatRoundtrips
}

// MaxNetworkRetries returns the network retry ceiling for a session kind.
func (l Limits) MaxNetworkRetries(isAutomation bool) int {
	if isAutomation {
		return l.MaxNetworkRetriesAutomation
	}
	return l.MaxNetworkRetriesChat
}
