package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models rollout.yml.
type Config struct {
	Queue struct {
		DefaultPriority int `yaml:"default_priority"`
	} `yaml:"queue"`
	Health struct {
		WarningAfterDays  int `yaml:"warning_after_days"`
		CriticalAfterDays int `yaml:"critical_after_days"`
	} `yaml:"health"`
	Notifications struct {
		ConversionTeam string    `yaml:"conversion_team"`
		Webhooks       []Webhook `yaml:"webhooks"`
	} `yaml:"notifications"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Webhook is a notification target. Events filters which messages are sent;
// empty means all.
type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rollout init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.DefaultPriority < 1 || c.Queue.DefaultPriority > 5 {
		return fmt.Errorf("config.queue.default_priority must be between 1 and 5")
	}
	if c.Health.WarningAfterDays <= 0 {
		return fmt.Errorf("config.health.warning_after_days must be positive")
	}
	if c.Health.CriticalAfterDays <= c.Health.WarningAfterDays {
		return fmt.Errorf("config.health.critical_after_days must exceed warning_after_days")
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event filter", hook.Name)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rollout.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// fall back to the defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Queue.DefaultPriority == 0 {
		cfg.Queue.DefaultPriority = Default().Queue.DefaultPriority
	}
	if cfg.Health.WarningAfterDays == 0 {
		cfg.Health.WarningAfterDays = Default().Health.WarningAfterDays
	}
	if cfg.Health.CriticalAfterDays == 0 {
		cfg.Health.CriticalAfterDays = Default().Health.CriticalAfterDays
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `queue:
  default_priority: 3

health:
  warning_after_days: 3
  critical_after_days: 7

notifications:
  conversion_team: conversion
  webhooks: []

auth:
  jwt_secret: ""
`
