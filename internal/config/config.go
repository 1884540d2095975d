// Package config provides YAML-based configuration loading for the assist service.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from assist.yaml.
type Config struct {
	Database      DatabaseConfig       `yaml:"database"`
	Dispatch      DispatchConfig       `yaml:"dispatch"`
	Matcher       MatcherConfig        `yaml:"matcher"`
	Notify        NotifyConfig         `yaml:"notify"`
	API           APIConfig            `yaml:"api"`
	Redis         RedisConfig          `yaml:"redis"`
	Supervisor    SupervisorConfig     `yaml:"supervisor"`
	Logging       LoggingConfig        `yaml:"logging"`
	Rules         []RuleConfig         `yaml:"rules"`
	Professionals []ProfessionalConfig `yaml:"professionals"`
}

// DatabaseConfig selects the SQL backend. Driver is "mysql" or "sqlite".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file path
}

// DispatchConfig holds the knobs of the assignment/escalation core.
type DispatchConfig struct {
	DefaultTimeoutSec      int  `yaml:"default_timeout_sec"`
	ConfirmationTimeoutSec int  `yaml:"confirmation_timeout_sec"`
	MaxConcurrentLoad      int  `yaml:"max_concurrent_load"`
	RequireOnline          bool `yaml:"require_online"`
	IORetries              int  `yaml:"io_retries"`
	IOBackoffMs            int  `yaml:"io_backoff_ms"`
}

// MatcherConfig controls candidate scoring.
type MatcherConfig struct {
	OnlineWeight   float64 `yaml:"online_weight"`
	LoadWeight     float64 `yaml:"load_weight"`
	RatingWeight   float64 `yaml:"rating_weight"`
	LocationWeight float64 `yaml:"location_weight"`
	MinRatingCount int     `yaml:"min_rating_count"`
}

// NotifyConfig controls outbound notification delivery.
type NotifyConfig struct {
	Command string        `yaml:"command"` // shell template for urgent outbox rows
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord Gateway credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Port              int `yaml:"port"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// RedisConfig enables the Redis event bus when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// SupervisorConfig controls background maintenance.
type SupervisorConfig struct {
	ReconcileSchedule string `yaml:"reconcile_schedule"`
}

// LoggingConfig selects the log encoder.
type LoggingConfig struct {
	Mode string `yaml:"mode"`
}

// RuleConfig seeds an escalation rule.
type RuleConfig struct {
	ID                      string   `yaml:"id"`
	RoleID                  string   `yaml:"role"`
	TriggerType             string   `yaml:"trigger"`
	TimeoutSeconds          int      `yaml:"timeout_seconds"`
	MaxEscalationAttempts   int      `yaml:"max_attempts"`
	Strategy                string   `yaml:"strategy"`
	BroadcastSize           int      `yaml:"broadcast_size"`
	FallbackRules           []string `yaml:"fallback_rules"`
	RequireUserConfirmation bool     `yaml:"require_user_confirmation"`
	Priority                int      `yaml:"priority"`
	Inactive                bool     `yaml:"inactive"`
}

// ProfessionalConfig seeds a professional profile (development setups).
type ProfessionalConfig struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	RoleID        string  `yaml:"role"`
	Online        bool    `yaml:"online"`
	RatingAverage float64 `yaml:"rating_average"`
	RatingCount   int     `yaml:"rating_count"`
	LocationHint  string  `yaml:"location"`
	ChatUserID    string  `yaml:"chat_user_id"`
}

var (
	validTriggers   = map[string]bool{"timeout": true, "user_request": true, "ai_detection": true, "manual": true}
	validStrategies = map[string]bool{"sequential": true, "broadcast": true, "round_robin": true}
)

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
	// require_online defaults to true, so seed it before unmarshalling.
	cfg := Config{Dispatch: DispatchConfig{RequireOnline: true}}
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
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
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
			c.Database.Name = "liveassist"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "liveassist.db"
		}
	}

	d := &c.Dispatch
	if d.DefaultTimeoutSec == 0 {
		d.DefaultTimeoutSec = 60
	}
	if d.ConfirmationTimeoutSec == 0 {
		d.ConfirmationTimeoutSec = 120
	}
	if d.MaxConcurrentLoad == 0 {
		d.MaxConcurrentLoad = 3
	}
	if d.IORetries == 0 {
		d.IORetries = 3
	}
	if d.IOBackoffMs == 0 {
		d.IOBackoffMs = 200
	}

	m := &c.Matcher
	if m.OnlineWeight == 0 && m.LoadWeight == 0 && m.RatingWeight == 0 && m.LocationWeight == 0 {
		m.OnlineWeight = 0.5
		m.LoadWeight = 0.2
		m.RatingWeight = 0.2
		m.LocationWeight = 0.1
	}
	if m.MinRatingCount == 0 {
		m.MinRatingCount = 3
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RequestsPerMinute == 0 {
		c.API.RequestsPerMinute = 30
	}
	if c.API.Burst == 0 {
		c.API.Burst = 5
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "liveassist.sessions"
	}
	if c.Supervisor.ReconcileSchedule == "" {
		c.Supervisor.ReconcileSchedule = "*/5 * * * *"
	}
	if c.Logging.Mode == "" {
		c.Logging.Mode = "development"
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.TriggerType == "" {
			r.TriggerType = "timeout"
		}
		if r.Strategy == "" {
			r.Strategy = "sequential"
		}
		if r.MaxEscalationAttempts == 0 {
			r.MaxEscalationAttempts = 1
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Dispatch.DefaultTimeoutSec < 0 {
		errs = append(errs, "dispatch.default_timeout_sec must be positive")
	}
	if c.Dispatch.MaxConcurrentLoad < 0 {
		errs = append(errs, "dispatch.max_concurrent_load must be positive")
	}
	m := c.Matcher
	if m.OnlineWeight < 0 || m.LoadWeight < 0 || m.RatingWeight < 0 || m.LocationWeight < 0 {
		errs = append(errs, "matcher weights must not be negative")
	}

	ids := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("rules[%d].id is required", i))
		} else if ids[r.ID] {
			errs = append(errs, fmt.Sprintf("rules[%d].id %q is duplicated", i, r.ID))
		}
		ids[r.ID] = true
		if !validTriggers[r.TriggerType] {
			errs = append(errs, fmt.Sprintf("rules[%d].trigger %q is invalid", i, r.TriggerType))
		}
		if !validStrategies[r.Strategy] {
			errs = append(errs, fmt.Sprintf("rules[%d].strategy %q is invalid", i, r.Strategy))
		}
		if r.MaxEscalationAttempts < 1 {
			errs = append(errs, fmt.Sprintf("rules[%d].max_attempts must be at least 1", i))
		}
		if r.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("rules[%d].timeout_seconds must not be negative", i))
		}
	}
	for i, r := range c.Rules {
		for _, fb := range r.FallbackRules {
			if !ids[fb] {
				errs = append(errs, fmt.Sprintf("rules[%d].fallback_rules references unknown rule %q", i, fb))
			}
		}
	}

	for i, p := range c.Professionals {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("professionals[%d].id is required", i))
		}
		if p.RoleID == "" {
			errs = append(errs, fmt.Sprintf("professionals[%d].role is required", i))
		}
		if p.RatingAverage < 0 || p.RatingAverage > 5 {
			errs = append(errs, fmt.Sprintf("professionals[%d].rating_average must be within 0..5", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
