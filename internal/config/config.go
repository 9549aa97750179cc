package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Decision struct {
		// AllowedActions maps a case status to the action types the
		// validator accepts while the case is in that status.
		AllowedActions map[string][]string `yaml:"allowed_actions"`
		// HumanRequiredActions always gate regardless of confidence.
		HumanRequiredActions []string `yaml:"human_required_actions"`
		ConfidenceFloor      float64  `yaml:"confidence_floor"`
		FeeThresholdCents    int      `yaml:"fee_threshold_cents"`
		MaxAttempts          int      `yaml:"max_attempts"`
		MaxAdjustments       int      `yaml:"max_adjustments"`
	} `yaml:"decision"`
	Runtime struct {
		OutboundCooldownMinutes int `yaml:"outbound_cooldown_minutes"`
		RunStalenessMinutes     int `yaml:"run_staleness_minutes"`
		FollowupIntervalDays    int `yaml:"followup_interval_days"`
	} `yaml:"runtime"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.Name == "" {
		return fmt.Errorf("config.workspace.name is required")
	}
	if len(c.Decision.AllowedActions) == 0 {
		return fmt.Errorf("config.decision.allowed_actions is required")
	}
	for status, actions := range c.Decision.AllowedActions {
		if status == "" {
			return fmt.Errorf("config.decision.allowed_actions contains empty status")
		}
		for _, a := range actions {
			if a == "" {
				return fmt.Errorf("allowed actions for status %s contain an empty action", status)
			}
		}
	}
	if c.Decision.ConfidenceFloor < 0 || c.Decision.ConfidenceFloor > 1 {
		return fmt.Errorf("config.decision.confidence_floor must be within [0,1]")
	}
	if c.Decision.MaxAttempts <= 0 {
		return fmt.Errorf("config.decision.max_attempts must be positive")
	}
	if c.Decision.MaxAdjustments <= 0 {
		return fmt.Errorf("config.decision.max_adjustments must be positive")
	}
	if c.Runtime.OutboundCooldownMinutes < 0 {
		return fmt.Errorf("config.runtime.outbound_cooldown_minutes must not be negative")
	}
	if c.Runtime.RunStalenessMinutes <= 0 {
		return fmt.Errorf("config.runtime.run_staleness_minutes must be positive")
	}
	if c.Runtime.FollowupIntervalDays <= 0 {
		return fmt.Errorf("config.runtime.followup_interval_days must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace.
func Default(name string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, name))).Decode(&cfg)
	cfg.Workspace.Name = name
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  name: %s

decision:
  allowed_actions:
    draft: [submit_portal, send_reply, escalate, no_action]
    sent: [send_followup, escalate, no_action]
    awaiting_response: [send_followup, send_reply, negotiate_fee, appeal_denial, escalate, no_action]
    responded: [send_reply, negotiate_fee, appeal_denial, escalate, no_action]
    needs_human_review: [send_reply, send_followup, negotiate_fee, appeal_denial, submit_portal, escalate, no_action]
    pending_portal: [escalate, no_action]

  human_required_actions: [negotiate_fee, appeal_denial]
  confidence_floor: 0.7
  fee_threshold_cents: 2500
  max_attempts: 3
  max_adjustments: 5

runtime:
  outbound_cooldown_minutes: 60
  run_staleness_minutes: 120
  followup_interval_days: 7
`
