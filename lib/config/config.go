// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Voxgate.
//
// Configuration is loaded from a single YAML file specified by:
//   - VOXGATE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// only expansion performed is ${VAR} substitution from the process
// environment, so secrets like the Telegram token can stay out of the
// file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Voxgate.
type Config struct {
	// TelegramToken is the Telegram Bot API token from @BotFather.
	// Supports ${VAR} expansion (e.g., "${TELEGRAM_BOT_TOKEN}").
	TelegramToken string `yaml:"telegram_token"`

	// WhisperURL is the transcription endpoint of a whisper-server
	// instance.
	WhisperURL string `yaml:"whisper_url"`

	// AllowedChatIDs restricts which Telegram chats may use the bot.
	// Empty means no restriction.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`

	// DefaultCwd is the working directory for new sessions when no
	// project is selected.
	DefaultCwd string `yaml:"default_cwd"`

	// PermissionTimeoutSeconds is how long a tool-approval request
	// waits for a human decision before it is denied.
	PermissionTimeoutSeconds int `yaml:"permission_timeout_seconds"`

	// Projects maps spoken project names to their working directories.
	Projects map[string]string `yaml:"projects"`

	// StoragePath is the session store file.
	StoragePath string `yaml:"storage_path"`

	// StickyScope selects how broadly a sticky approval matches:
	// "tool" approves every future call to the same tool, "exact"
	// pins the specific command or path that was approved.
	StickyScope string `yaml:"sticky_scope"`
}

// Default returns the default configuration. These defaults are the
// base that the config file is merged over.
func Default() *Config {
	return &Config{
		WhisperURL:               "http://localhost:8080/transcribe",
		DefaultCwd:               "/code",
		PermissionTimeoutSeconds: 300,
		StoragePath:              "sessions.json",
		StickyScope:              "tool",
	}
}

// Load loads configuration from the VOXGATE_CONFIG environment
// variable. If VOXGATE_CONFIG is not set, this fails; there is no
// search path.
func Load() (*Config, error) {
	path := os.Getenv("VOXGATE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("VOXGATE_CONFIG environment variable not set; " +
			"set it to the path of your voxgate.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults and expanding ${VAR} references.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.TelegramToken = expandVars(cfg.TelegramToken)
	cfg.WhisperURL = expandVars(cfg.WhisperURL)
	cfg.DefaultCwd = expandVars(cfg.DefaultCwd)
	cfg.StoragePath = expandVars(cfg.StoragePath)
	for name, dir := range cfg.Projects {
		cfg.Projects[name] = expandVars(dir)
	}

	return cfg, nil
}

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// process environment.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// PermissionTimeout returns the permission timeout as a Duration.
func (c *Config) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// IsAllowed reports whether a chat may use the bot. An empty allow
// list admits everyone.
func (c *Config) IsAllowed(chatID int64) bool {
	if len(c.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.TelegramToken == "" {
		errs = append(errs, fmt.Errorf("telegram_token is required"))
	}
	if c.WhisperURL == "" {
		errs = append(errs, fmt.Errorf("whisper_url is required"))
	}
	if c.DefaultCwd == "" {
		errs = append(errs, fmt.Errorf("default_cwd is required"))
	}
	if c.PermissionTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("permission_timeout_seconds must be positive"))
	}
	if c.StoragePath == "" {
		errs = append(errs, fmt.Errorf("storage_path is required"))
	}
	if c.StickyScope != "tool" && c.StickyScope != "exact" {
		errs = append(errs, fmt.Errorf("sticky_scope must be \"tool\" or \"exact\", got %q", c.StickyScope))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
