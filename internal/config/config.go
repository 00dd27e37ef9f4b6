package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models warmup.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Queue struct {
		PollInterval     time.Duration `yaml:"poll_interval"`
		StalenessWindow  time.Duration `yaml:"staleness_window"`
		BatchSize        int           `yaml:"batch_size"`
		MaxRetries       int           `yaml:"max_retries"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		CooldownMinHours int           `yaml:"cooldown_min_hours"`
		CooldownMaxHours int           `yaml:"cooldown_max_hours"`
	} `yaml:"queue"`
	Slots struct {
		Capacity int           `yaml:"capacity"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"slots"`
	Bridge struct {
		Command string        `yaml:"command"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"bridge"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with warmup init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config.queue.poll_interval must be positive")
	}
	if c.Queue.StalenessWindow <= c.Queue.PollInterval {
		return fmt.Errorf("config.queue.staleness_window must exceed poll_interval")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config.queue.batch_size must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("config.queue.max_retries must be at least 1")
	}
	if c.Queue.RetryDelay <= 0 {
		return fmt.Errorf("config.queue.retry_delay must be positive")
	}
	if c.Queue.CooldownMinHours < 0 || c.Queue.CooldownMaxHours < c.Queue.CooldownMinHours {
		return fmt.Errorf("config.queue cooldown hours must satisfy 0 <= min <= max")
	}
	if c.Slots.Capacity < 1 {
		return fmt.Errorf("config.slots.capacity must be at least 1")
	}
	if c.Slots.TTL <= 0 {
		return fmt.Errorf("config.slots.ttl must be positive")
	}
	if c.Bridge.Timeout <= 0 {
		return fmt.Errorf("config.bridge.timeout must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warmup.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, projectID)))
	if err != nil {
		panic(err)
	}
	return cfg
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

const defaultTemplate = `project:
  id: %s

queue:
  poll_interval: 30s
  staleness_window: 10m
  batch_size: 5
  max_retries: 3
  retry_delay: 15m
  cooldown_min_hours: 15
  cooldown_max_hours: 24

slots:
  capacity: 1
  ttl: 10m

bridge:
  command: warmup-bridge
  timeout: 5m
`
