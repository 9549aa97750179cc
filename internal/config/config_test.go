package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("test-workspace")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Workspace.Name != "test-workspace" {
		t.Fatalf("name = %q", cfg.Workspace.Name)
	}
	if len(cfg.Decision.AllowedActions["draft"]) == 0 {
		t.Fatalf("draft must have allowed actions")
	}
	if cfg.Decision.ConfidenceFloor != 0.7 {
		t.Fatalf("confidence floor = %v", cfg.Decision.ConfidenceFloor)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := GenerateDefault("roundtrip")
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("generated yaml must parse: %v", err)
	}
	if cfg.Workspace.Name != "roundtrip" {
		t.Fatalf("name = %q", cfg.Workspace.Name)
	}
	if cfg.Runtime.FollowupIntervalDays != 7 {
		t.Fatalf("interval = %d", cfg.Runtime.FollowupIntervalDays)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing name", func(c *Config) { c.Workspace.Name = "" }, "workspace.name"},
		{"no allowed actions", func(c *Config) { c.Decision.AllowedActions = nil }, "allowed_actions"},
		{"empty action", func(c *Config) { c.Decision.AllowedActions["draft"] = []string{""} }, "empty action"},
		{"confidence above one", func(c *Config) { c.Decision.ConfidenceFloor = 1.5 }, "confidence_floor"},
		{"zero attempts", func(c *Config) { c.Decision.MaxAttempts = 0 }, "max_attempts"},
		{"zero adjustments", func(c *Config) { c.Decision.MaxAdjustments = 0 }, "max_adjustments"},
		{"negative cooldown", func(c *Config) { c.Runtime.OutboundCooldownMinutes = -1 }, "cooldown"},
		{"zero staleness", func(c *Config) { c.Runtime.RunStalenessMinutes = 0 }, "staleness"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{Secret: "s"}} }, "empty url"},
	}
	for _, tc := range cases {
		cfg := Default("test")
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestLoadMissingFileHints(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config import") {
		t.Fatalf("expected import hint, got %v", err)
	}
}

func TestLoadOptionalAbsent(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("absent config must be nil,nil; got %v, %v", cfg, err)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte(GenerateDefault("on-disk")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace.Name != "on-disk" {
		t.Fatalf("name = %q", cfg.Workspace.Name)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("workspace: [not a map")); err == nil {
		t.Fatalf("expected parse error")
	}
}
