// Package config provides YAML-based configuration loading for the agent host.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration, loaded from config.yaml.
type Config struct {
	MainGroupJID string           `yaml:"main_group_jid"`
	DB           DBConfig         `yaml:"db"`
	Queue        QueueConfig      `yaml:"queue"`
	Agent        AgentConfig      `yaml:"agent"`
	Ingest       IngestConfig     `yaml:"ingest"`
	Dashboard    DashboardConfig  `yaml:"dashboard"`
	Schedules    []ScheduleConfig `yaml:"schedules"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // sqlite (default) or mysql
	Path     string `yaml:"path"`   // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// QueueConfig holds admission ceilings and message-lane retry settings.
type QueueConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent"`
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	BaseRetrySec       int `yaml:"base_retry_sec"`
	MaxRetries         int `yaml:"max_retries"`
}

// AgentConfig configures the worker process runner.
type AgentConfig struct {
	Command           []string `yaml:"command"` // worker argv, e.g. ["docker", "run", ...]
	DataDir           string   `yaml:"data_dir"`
	SlidingTimeoutSec int      `yaml:"sliding_timeout_sec"`
	GraceTimeoutSec   int      `yaml:"grace_timeout_sec"`
	MaxOutputBytes    int      `yaml:"max_output_bytes"`
}

// IngestConfig bounds the inbound event queue.
type IngestConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	MaxDepth       int `yaml:"max_depth"`
}

// DashboardConfig enables the read-only status endpoint.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ScheduleConfig declares a recurring task-lane agent run.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"` // 5-field cron expression
	ChatJID string `yaml:"chat_jid"`
	Prompt  string `yaml:"prompt"`
}

// cronParser validates standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "nanoclaw.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 5
	}
	if c.Queue.MaxConcurrentTasks == 0 {
		c.Queue.MaxConcurrentTasks = 2
	}
	if c.Queue.BaseRetrySec == 0 {
		c.Queue.BaseRetrySec = 30
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "data"
	}
	if c.Agent.SlidingTimeoutSec == 0 {
		c.Agent.SlidingTimeoutSec = 300
	}
	if c.Agent.GraceTimeoutSec == 0 {
		c.Agent.GraceTimeoutSec = 10
	}
	if c.Agent.MaxOutputBytes == 0 {
		c.Agent.MaxOutputBytes = 1 << 20
	}
	if c.Ingest.MaxConcurrency == 0 {
		c.Ingest.MaxConcurrency = 3
	}
	if c.Ingest.MaxDepth == 0 {
		c.Ingest.MaxDepth = 100
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not sqlite or mysql", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.Database == "" {
		errs = append(errs, "db.database is required for mysql")
	}
	if len(c.Agent.Command) == 0 {
		errs = append(errs, "agent.command is required")
	}
	if c.Queue.MaxConcurrentTasks > c.Queue.MaxConcurrent {
		errs = append(errs, "queue.max_concurrent_tasks cannot exceed queue.max_concurrent")
	}
	for i, s := range c.Schedules {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].name is required", i))
		}
		if s.ChatJID == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].chat_jid is required", i))
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron %q: %v", i, s.Cron, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
