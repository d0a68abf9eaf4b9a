// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	AssistantName           string          `yaml:"assistant_name"`
	MainFolder              string          `yaml:"main_folder"`
	DataDir                 string          `yaml:"data_dir"`
	GroupsDir               string          `yaml:"groups_dir"`
	Timezone                string          `yaml:"timezone"`
	PollIntervalMs          int             `yaml:"poll_interval_ms"`
	SchedulerPollIntervalMs int             `yaml:"scheduler_poll_interval_ms"`
	IPCPollIntervalMs       int             `yaml:"ipc_poll_interval_ms"`
	IdleTimeoutMs           int             `yaml:"idle_timeout_ms"`
	MaxConcurrentContainers int             `yaml:"max_concurrent_containers"`
	Database                DatabaseConfig  `yaml:"database"`
	Container               ContainerConfig `yaml:"container"`
	Channels                ChannelsConfig  `yaml:"channels"`
	Dashboard               DashboardConfig `yaml:"dashboard"`
}

// DatabaseConfig selects and locates the message/task store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// ContainerConfig describes how agent containers are launched.
type ContainerConfig struct {
	Runtime    string `yaml:"runtime"` // container CLI binary, e.g. "docker"
	Image      string `yaml:"image"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	NamePrefix string `yaml:"name_prefix"`
}

// ChannelsConfig holds per-platform chat channel settings.
type ChannelsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord Gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DashboardConfig controls the HTTP status API. Port 0 disables it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

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
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Channels.Slack.AppToken = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Channels.Slack.BotToken = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Channels.Discord.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.AssistantName == "" {
		c.AssistantName = "Andy"
	}
	if c.MainFolder == "" {
		c.MainFolder = "main"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.GroupsDir == "" {
		c.GroupsDir = "groups"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 2000
	}
	if c.SchedulerPollIntervalMs == 0 {
		c.SchedulerPollIntervalMs = 60000
	}
	if c.IPCPollIntervalMs == 0 {
		c.IPCPollIntervalMs = 1000
	}
	if c.IdleTimeoutMs == 0 {
		c.IdleTimeoutMs = 30 * 60 * 1000
	}
	if c.MaxConcurrentContainers == 0 {
		c.MaxConcurrentContainers = 5
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = c.DataDir + "/messages.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "roundhouse"
		}
	}
	if c.Container.Runtime == "" {
		c.Container.Runtime = "docker"
	}
	if c.Container.Image == "" {
		c.Container.Image = "roundhouse-agent:latest"
	}
	if c.Container.TimeoutMs == 0 {
		c.Container.TimeoutMs = 30 * 60 * 1000
	}
	if c.Container.NamePrefix == "" {
		c.Container.NamePrefix = "roundhouse"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if strings.TrimSpace(c.AssistantName) == "" {
		errs = append(errs, "assistant_name is required")
	}
	if c.MaxConcurrentContainers < 1 {
		errs = append(errs, "max_concurrent_containers must be at least 1")
	}
	if c.PollIntervalMs < 0 || c.SchedulerPollIntervalMs < 0 || c.IPCPollIntervalMs < 0 || c.IdleTimeoutMs < 0 {
		errs = append(errs, "intervals must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is invalid", c.Timezone))
	}
	if c.Dashboard.Port < 0 {
		errs = append(errs, "dashboard.port must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HasChannel reports whether at least one chat platform has credentials.
func (c *Config) HasChannel() bool {
	slack := c.Channels.Slack.AppToken != "" && c.Channels.Slack.BotToken != ""
	return slack || c.Channels.Discord.BotToken != ""
}

// Location returns the configured scheduling timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PollInterval is the message router's idle sleep between store polls.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMs) }

// SchedulerPollInterval is how often the due-task scanner runs.
func (c *Config) SchedulerPollInterval() time.Duration { return ms(c.SchedulerPollIntervalMs) }

// IPCPollInterval is the command-channel fallback scan interval.
func (c *Config) IPCPollInterval() time.Duration { return ms(c.IPCPollIntervalMs) }

// IdleTimeout is how long a worker may sit without output before its input is closed.
func (c *Config) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMs) }

// ContainerTimeout is the hard per-run limit handed to the container runtime.
func (c *Config) ContainerTimeout() time.Duration { return ms(c.Container.TimeoutMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
