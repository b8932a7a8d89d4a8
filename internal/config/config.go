// Package config loads the careflow YAML configuration file.
//
// Every key has a default, so an empty or missing file yields a working
// single-process setup: SQLite at ./careflow.db, in-memory task queue
// and in-memory publisher.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/handlers"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/scheduler"
	"github.com/roach88/careflow/internal/taskq"
)

// DefaultPath is the configuration file read when --config is not given.
const DefaultPath = "careflow.yaml"

// Config holds all careflow configuration.
type Config struct {
	// Database is the SQLite file path.
	Database string `yaml:"database"`

	SystemGroup string   `yaml:"system_group"`
	SystemPhone string   `yaml:"system_phone"`
	ProxyPhones []string `yaml:"proxy_phones"`

	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	DefaultHorizon time.Duration `yaml:"default_horizon"`

	Tasks     TasksConfig    `yaml:"tasks"`
	Publisher publish.Config `yaml:"publisher"`
	Topics    TopicsConfig   `yaml:"topics"`
	Consumer  ConsumerConfig `yaml:"consumer"`
	OAuth     OAuthConfig    `yaml:"oauth"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// TasksConfig configures the delayed task queue and its poller.
type TasksConfig struct {
	taskq.Config `yaml:",inline"`

	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// TopicsConfig names the message and data topics.
type TopicsConfig struct {
	Message string `yaml:"message"`
	Data    string `yaml:"data"`
}

// ConsumerConfig configures the inbound consumer used by serve. With no
// brokers, serve consumes from the in-memory publisher.
type ConsumerConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// OAuthConfig configures the data providers reachable through the OAuth
// and DataProvider actions.
type OAuthConfig struct {
	StateBaseURL string                    `yaml:"state_base_url"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one OAuth data provider.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	APIBase      string   `yaml:"api_base"`
	SyncSchedule string   `yaml:"sync_schedule"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database:       "careflow.db",
		SystemGroup:    engine.DefaultSystemGroup,
		HandlerTimeout: engine.DefaultHandlerTimeout,
		DefaultHorizon: scheduler.DefaultHorizon,
		Tasks: TasksConfig{
			Config:       taskq.Config{Backend: "memory", KeyPrefix: "careflow:tasks:"},
			PollInterval: time.Second,
			BatchSize:    100,
		},
		Publisher: publish.Config{Backend: "memory", ClientID: "careflow"},
		Topics: TopicsConfig{
			Message: handlers.DefaultMessageTopic,
			Data:    handlers.DefaultDataTopic,
		},
		Consumer: ConsumerConfig{GroupID: "careflow"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults and validates the
// result. A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and backend names.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.SystemGroup == "" {
		return errors.New("system_group is required")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler_timeout must be positive, got %s", c.HandlerTimeout)
	}
	if c.DefaultHorizon <= 0 {
		return fmt.Errorf("default_horizon must be positive, got %s", c.DefaultHorizon)
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Tasks.Backend) {
		return fmt.Errorf("unknown tasks.backend %q", c.Tasks.Backend)
	}
	if c.Tasks.PollInterval <= 0 || c.Tasks.BatchSize <= 0 {
		return errors.New("tasks.poll_interval and tasks.batch_size must be positive")
	}
	if !slices.Contains([]string{"memory", "kafka", "mqtt", "amqp"}, c.Publisher.Backend) {
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	if c.Topics.Message == "" || c.Topics.Data == "" {
		return errors.New("topics.message and topics.data are required")
	}
	for name, p := range c.OAuth.Providers {
		if p.ClientID == "" || p.TokenURL == "" || p.APIBase == "" {
			return fmt.Errorf("oauth.providers.%s: client_id, token_url and api_base are required", name)
		}
	}
	return nil
}

// HandlerProviders converts the configured OAuth providers for the
// handlers package.
func (c *Config) HandlerProviders() map[string]handlers.Provider {
	if len(c.OAuth.Providers) == 0 {
		return nil
	}
	out := make(map[string]handlers.Provider, len(c.OAuth.Providers))
	for name, p := range c.OAuth.Providers {
		out[name] = handlers.Provider{
			OAuth: oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				RedirectURL:  p.RedirectURL,
				Scopes:       p.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.AuthURL,
					TokenURL: p.TokenURL,
				},
			},
			APIBase:      p.APIBase,
			SyncSchedule: p.SyncSchedule,
		}
	}
	return out
}
