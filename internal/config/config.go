package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dispatch/internal/domain"
)

// Config models dispatch.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	TaskTypes struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"task_types"`
	Defaults struct {
		Type     string `yaml:"type"`
		Priority string `yaml:"priority"`
	} `yaml:"defaults"`
	Scheduler struct {
		ClaimAttempts int `yaml:"claim_attempts"`
	} `yaml:"scheduler"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Defaults.Priority != "" && !domain.ValidPriority(c.Defaults.Priority) {
		return fmt.Errorf("config.defaults.priority %s is not a priority tier", c.Defaults.Priority)
	}
	if c.Scheduler.ClaimAttempts < 0 {
		return fmt.Errorf("config.scheduler.claim_attempts must be >= 0")
	}
	if c.Defaults.Type != "" && len(c.TaskTypes.Catalog) > 0 {
		if _, ok := c.TaskTypes.Catalog[c.Defaults.Type]; !ok {
			return fmt.Errorf("config.defaults.type %s not in task type catalog", c.Defaults.Type)
		}
	}
	for name := range c.TaskTypes.Catalog {
		if name == "" {
			return fmt.Errorf("task type catalog contains empty type name")
		}
	}
	return nil
}

// DefaultPriority returns the configured priority for new tasks.
func (c *Config) DefaultPriority() string {
	if c.Defaults.Priority != "" {
		return c.Defaults.Priority
	}
	return domain.PriorityMedium
}

// ClaimAttempts returns how many times the scheduler re-runs selection after
// losing a claim race.
func (c *Config) ClaimAttempts() int {
	if c.Scheduler.ClaimAttempts > 0 {
		return c.Scheduler.ClaimAttempts
	}
	return 3
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
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
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
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
  id: %s

task_types:
  catalog:
    general:
      description: "Uncategorized work"
    research:
      description: "Investigate and summarize"
    coding:
      description: "Write or change code"
    review:
      description: "Review produced work"
    ops:
      description: "Operational chores"

defaults:
  type: general
  priority: medium

scheduler:
  claim_attempts: 3
`
