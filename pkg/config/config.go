package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

const envConfigPath = "RECAMBIO_CONFIG"

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Vendor     VendorConfig     `json:"vendor"`
	Extraction ExtractionConfig `json:"extraction"`
	Providers  ProvidersConfig  `json:"providers"`
	Reconcile  ReconcileConfig  `json:"reconcile"`
	Storage    StorageConfig    `json:"storage"`
	Media      MediaConfig      `json:"media"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// VendorConfig identifies the parts vendor that owns every client seen by
// this process.
type VendorConfig struct {
	OwnerID string `env:"RECAMBIO_VENDOR_OWNER_ID" json:"owner_id"`
}

// ExtractionConfig selects and tunes the chat-to-orders extraction adapter.
type ExtractionConfig struct {
	Provider       string  `env:"RECAMBIO_EXTRACTION_PROVIDER"        json:"provider"`
	Model          string  `env:"RECAMBIO_EXTRACTION_MODEL"           json:"model"`
	MaxTokens      int     `env:"RECAMBIO_EXTRACTION_MAX_TOKENS"      json:"max_tokens"`
	Temperature    float64 `env:"RECAMBIO_EXTRACTION_TEMPERATURE"     json:"temperature"`
	TimeoutSeconds int     `env:"RECAMBIO_EXTRACTION_TIMEOUT_SECONDS" json:"timeout_seconds"`
	ImageDetail    string  `json:"image_detail"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI    OpenAIProviderConfig    `json:"openai"`
	Anthropic AnthropicProviderConfig `json:"anthropic"`
	OpenCode  OpenCodeProviderConfig  `json:"opencode"`
}

// OpenAIProviderConfig configures the OpenAI client (also used by fantasy).
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `env:"RECAMBIO_OPENAI_BASE_URL" json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MaxRetries            *int   `json:"max_retries,omitempty"`
}

// AnthropicProviderConfig configures the Anthropic client.
type AnthropicProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `env:"RECAMBIO_ANTHROPIC_BASE_URL" json:"base_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MaxRetries            *int   `json:"max_retries,omitempty"`
}

// OpenCodeProviderConfig configures a running OpenCode server.
type OpenCodeProviderConfig struct {
	BaseURL               string `env:"RECAMBIO_OPENCODE_BASE_URL" json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MaxRetries            *int   `json:"max_retries,omitempty"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	MaxConflictRetries int `json:"max_conflict_retries"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `env:"RECAMBIO_STORAGE_DRIVER" json:"driver"`
	Path   string `env:"RECAMBIO_STORAGE_PATH"   json:"path"`
}

// MediaConfig configures where chat attachments are kept.
type MediaConfig struct {
	Dir      string `env:"RECAMBIO_MEDIA_DIR" json:"dir"`
	MaxBytes int64  `json:"max_bytes"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `env:"RECAMBIO_TELEGRAM_ENABLED"    json:"enabled"`
	Token     string   `env:"RECAMBIO_TELEGRAM_TOKEN"      json:"token"`
	AllowFrom []string `env:"RECAMBIO_TELEGRAM_ALLOW_FROM" json:"allow_from"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host           string `env:"RECAMBIO_GATEWAY_HOST" json:"host"`
	Port           int    `env:"RECAMBIO_GATEWAY_PORT" json:"port"`
	Webhook        bool   `json:"webhook"`
	ReplySummaries bool   `json:"reply_summaries"`
}

// DefaultConfig returns the configuration used for fields a file leaves unset.
func DefaultConfig() *Config {
	return &Config{
		Vendor: VendorConfig{OwnerID: "default"},
		Extraction: ExtractionConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			MaxTokens:      4096,
			TimeoutSeconds: 120,
			ImageDetail:    "high",
		},
		Reconcile: ReconcileConfig{MaxConflictRetries: 2},
		Storage:   StorageConfig{Driver: "badger", Path: "data/ledger"},
		Media:     MediaConfig{Dir: "data/media", MaxBytes: 20 << 20},
		Gateway:   GatewayConfig{Host: "0.0.0.0", Port: 18790},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and
// applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return parseConfig(content)
}

func parseConfig(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	cfg.Channels.Telegram.AllowFrom = compact(cfg.Channels.Telegram.AllowFrom)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Extraction.Provider) {
	case "openai", "anthropic", "fantasy", "opencode":
	default:
		return fmt.Errorf("extraction.provider %q is not supported", c.Extraction.Provider)
	}

	switch strings.TrimSpace(c.Storage.Driver) {
	case "badger":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the badger driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}

	if strings.TrimSpace(c.Vendor.OwnerID) == "" {
		return fmt.Errorf("vendor.owner_id is required")
	}
	if c.Reconcile.MaxConflictRetries < 0 {
		return fmt.Errorf("reconcile.max_conflict_retries must not be negative")
	}

	return nil
}

// compact trims values and drops empty entries.
func compact(input []string) []string {
	clean := make([]string, 0, len(input))
	for _, part := range input {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is RECAMBIO_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
