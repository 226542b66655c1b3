// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.DefaultCwd != "/code" {
		t.Errorf("DefaultCwd = %q, want /code", cfg.DefaultCwd)
	}
	if cfg.PermissionTimeout() != 300*time.Second {
		t.Errorf("PermissionTimeout = %v, want 300s", cfg.PermissionTimeout())
	}
	if cfg.StoragePath != "sessions.json" {
		t.Errorf("StoragePath = %q, want sessions.json", cfg.StoragePath)
	}
	if cfg.StickyScope != "tool" {
		t.Errorf("StickyScope = %q, want tool", cfg.StickyScope)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram_token: "tok"
default_cwd: /work
projects:
  whisper: /code/whisper
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.DefaultCwd != "/work" {
		t.Errorf("DefaultCwd = %q, want /work", cfg.DefaultCwd)
	}
	// Untouched fields keep their defaults.
	if cfg.PermissionTimeoutSeconds != 300 {
		t.Errorf("PermissionTimeoutSeconds = %d, want 300", cfg.PermissionTimeoutSeconds)
	}
	if cfg.Projects["whisper"] != "/code/whisper" {
		t.Errorf("Projects[whisper] = %q", cfg.Projects["whisper"])
	}
}

func TestLoadFileExpandsEnvironment(t *testing.T) {
	t.Setenv("VOXGATE_TEST_TOKEN", "secret-token")
	path := writeConfig(t, `telegram_token: "${VOXGATE_TEST_TOKEN}"`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.TelegramToken != "secret-token" {
		t.Errorf("TelegramToken = %q, want secret-token", cfg.TelegramToken)
	}
}

func TestLoadFileExpandsDefaultValue(t *testing.T) {
	path := writeConfig(t, `
telegram_token: tok
default_cwd: "${VOXGATE_UNSET_VAR:-/fallback}"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.DefaultCwd != "/fallback" {
		t.Errorf("DefaultCwd = %q, want /fallback", cfg.DefaultCwd)
	}
}

func TestLoadWithoutEnvironmentFails(t *testing.T) {
	t.Setenv("VOXGATE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded without VOXGATE_CONFIG")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.TelegramToken = "tok"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.TelegramToken = ""
	cfg.StickyScope = "everything"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	if !strings.Contains(err.Error(), "telegram_token") {
		t.Errorf("error does not mention telegram_token: %v", err)
	}
	if !strings.Contains(err.Error(), "sticky_scope") {
		t.Errorf("error does not mention sticky_scope: %v", err)
	}
}

func TestIsAllowed(t *testing.T) {
	cfg := Default()
	if !cfg.IsAllowed(42) {
		t.Error("empty allow list should admit everyone")
	}

	cfg.AllowedChatIDs = []int64{1, 2}
	if !cfg.IsAllowed(2) {
		t.Error("listed chat rejected")
	}
	if cfg.IsAllowed(3) {
		t.Error("unlisted chat admitted")
	}
}
