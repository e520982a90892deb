// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for constructd.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP boundary settings (auth, rate limit, CORS)
//   - RuntimeConfig: Local model runtime settings
//   - MemoryConfig: Conversation memory backend selection
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CONSTRUCTD_*)
//   - The TOML file passed to Load
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	model := cfg.Runtime.DefaultModel
//	backend := cfg.Memory.Backend
package config
