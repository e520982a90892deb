// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates constructd configuration.
//
// Resolution order: built-in defaults, then the TOML file, then
// CONSTRUCTD_* environment overrides. Validate runs last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Runtime RuntimeConfig `toml:"runtime"`
	Cloud   CloudConfig   `toml:"cloud"`
	Memory  MemoryConfig  `toml:"memory"`
	Persona PersonaConfig `toml:"persona"`
	Prompt  PromptConfig  `toml:"prompt"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// AuthToken enables bearer auth when non-empty.
	AuthToken string `toml:"auth_token"`

	// AllowedCIDRs restricts client IPs when non-empty.
	AllowedCIDRs []string `toml:"allowed_cidrs"`

	// RateLimit is requests per minute per client IP. 0 disables limiting.
	RateLimit int `toml:"rate_limit"`

	CORSOrigins []string `toml:"cors_origins"`

	// RequestTimeoutSecs bounds non-streaming request handling.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
}

// RuntimeConfig points at the local model runtime.
type RuntimeConfig struct {
	BaseURL      string `toml:"base_url"`
	DefaultModel string `toml:"default_model"`
	TimeoutSecs  int    `toml:"timeout_secs"`

	// MaxRetries bounds the invocation-stage retry on transient errors.
	MaxRetries int `toml:"max_retries"`
}

// CloudConfig configures the optional OpenAI-compatible remote fallback.
type CloudConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

// MemoryConfig selects the conversation memory backend.
type MemoryConfig struct {
	// Backend is "memory" or "redis".
	Backend string `toml:"backend"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// PersonaConfig configures the persona store.
type PersonaConfig struct {
	// DBPath is the SQLite database holding persona records. Empty disables
	// persona loading entirely.
	DBPath string `toml:"db_path"`
}

// PromptConfig configures the template renderer.
type PromptConfig struct {
	// TemplateDir holds mode and guardrail templates. Empty uses the
	// compiled-in defaults.
	TemplateDir string `toml:"template_dir"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			RateLimit:          60,
			CORSOrigins:        []string{"*"},
			RequestTimeoutSecs: 120,
		},
		Runtime: RuntimeConfig{
			BaseURL:      "http://127.0.0.1:11434",
			DefaultModel: "gemma3:27b",
			TimeoutSecs:  120,
			MaxRetries:   1,
		},
		Memory: MemoryConfig{
			Backend:   "memory",
			RedisAddr: "127.0.0.1:6379",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path. A missing file is not an error; the
// defaults plus environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "constructd.toml"
	}
	return filepath.Join(home, ".config", "constructd", "config.toml")
}

// applyEnvOverrides applies CONSTRUCTD_* environment variables on top of the
// file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONSTRUCTD_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CONSTRUCTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CONSTRUCTD_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("CONSTRUCTD_RUNTIME_URL"); v != "" {
		c.Runtime.BaseURL = v
	}
	if v := os.Getenv("CONSTRUCTD_MODEL"); v != "" {
		c.Runtime.DefaultModel = v
	}
	if v := os.Getenv("CONSTRUCTD_MEMORY_BACKEND"); v != "" {
		c.Memory.Backend = v
	}
	if v := os.Getenv("CONSTRUCTD_REDIS_ADDR"); v != "" {
		c.Memory.RedisAddr = v
	}
	if v := os.Getenv("CONSTRUCTD_PERSONA_DB"); v != "" {
		c.Persona.DBPath = v
	}
	if v := os.Getenv("CONSTRUCTD_TEMPLATE_DIR"); v != "" {
		c.Prompt.TemplateDir = v
	}
	if v := os.Getenv("CONSTRUCTD_CLOUD_API_KEY"); v != "" {
		c.Cloud.APIKey = v
	}
	if v := os.Getenv("CONSTRUCTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.RateLimit < 0 {
		return &ValidationError{Field: "server.rate_limit", Message: "must not be negative"}
	}
	if c.Runtime.BaseURL == "" {
		return &ValidationError{Field: "runtime.base_url", Message: "must not be empty"}
	}
	if c.Runtime.DefaultModel == "" {
		return &ValidationError{Field: "runtime.default_model", Message: "must not be empty"}
	}
	if c.Runtime.TimeoutSecs <= 0 {
		return &ValidationError{Field: "runtime.timeout_secs", Message: "must be positive"}
	}
	if c.Runtime.MaxRetries < 0 {
		return &ValidationError{Field: "runtime.max_retries", Message: "must not be negative"}
	}
	switch c.Memory.Backend {
	case "memory", "redis":
	default:
		return &ValidationError{Field: "memory.backend", Message: "must be \"memory\" or \"redis\""}
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisAddr == "" {
		return &ValidationError{Field: "memory.redis_addr", Message: "required for the redis backend"}
	}
	if c.Cloud.Enabled && c.Cloud.APIKey == "" {
		return &ValidationError{Field: "cloud.api_key", Message: "required when cloud fallback is enabled"}
	}
	return nil
}

// Save writes the configuration to path as TOML with restrictive permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
