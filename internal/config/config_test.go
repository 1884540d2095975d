package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: liveassist_prod
  user: assist

dispatch:
  default_timeout_sec: 45
  confirmation_timeout_sec: 90
  max_concurrent_load: 2
  require_online: false
  io_retries: 5
  io_backoff_ms: 50

matcher:
  online_weight: 0.6
  load_weight: 0.2
  rating_weight: 0.2
  min_rating_count: 5

notify:
  command: "notify-send 'Assist' '{{.Subject}}'"
  slack:
    app_token: xapp-1
    bot_token: xoxb-1
    channel_id: C01

api:
  port: 9090

redis:
  url: redis://localhost:6379/0

rules:
  - id: counselor-primary
    role: counselor
    trigger: timeout
    timeout_seconds: 30
    max_attempts: 2
    strategy: sequential
    fallback_rules: [counselor-broadcast]
    priority: 1
  - id: counselor-broadcast
    role: counselor
    strategy: broadcast
    broadcast_size: 3
    priority: 5

professionals:
  - id: pro-1
    name: Thandi
    role: counselor
    online: true
    rating_average: 4.5
    rating_count: 12
    location: za/gauteng
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" || cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.Name != "liveassist_prod" {
		t.Errorf("Database.Name = %q, want liveassist_prod", cfg.Database.Name)
	}
	if cfg.Dispatch.DefaultTimeoutSec != 45 {
		t.Errorf("DefaultTimeoutSec = %d, want 45", cfg.Dispatch.DefaultTimeoutSec)
	}
	if cfg.Dispatch.RequireOnline {
		t.Error("RequireOnline should be false when set explicitly")
	}
	if cfg.Matcher.OnlineWeight != 0.6 {
		t.Errorf("OnlineWeight = %v, want 0.6", cfg.Matcher.OnlineWeight)
	}
	if cfg.Matcher.LocationWeight != 0 {
		t.Errorf("LocationWeight = %v, want 0 (explicit weights keep zero)", cfg.Matcher.LocationWeight)
	}
	if cfg.Matcher.MinRatingCount != 5 {
		t.Errorf("MinRatingCount = %d, want 5", cfg.Matcher.MinRatingCount)
	}
	if cfg.Notify.Slack.ChannelID != "C01" {
		t.Errorf("Slack.ChannelID = %q, want C01", cfg.Notify.Slack.ChannelID)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(cfg.Rules))
	}
	if cfg.Rules[0].FallbackRules[0] != "counselor-broadcast" {
		t.Errorf("FallbackRules = %v", cfg.Rules[0].FallbackRules)
	}
	if cfg.Rules[1].TriggerType != "timeout" {
		t.Errorf("Rules[1].TriggerType = %q, want default timeout", cfg.Rules[1].TriggerType)
	}
	if cfg.Rules[1].MaxEscalationAttempts != 1 {
		t.Errorf("Rules[1].MaxEscalationAttempts = %d, want default 1", cfg.Rules[1].MaxEscalationAttempts)
	}
	if len(cfg.Professionals) != 1 || cfg.Professionals[0].RatingCount != 12 {
		t.Errorf("Professionals = %+v", cfg.Professionals)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "liveassist.db" {
		t.Errorf("Database = %+v, want sqlite defaults", cfg.Database)
	}
	if !cfg.Dispatch.RequireOnline {
		t.Error("RequireOnline should default to true")
	}
	if cfg.Dispatch.DefaultTimeoutSec != 60 {
		t.Errorf("DefaultTimeoutSec = %d, want 60", cfg.Dispatch.DefaultTimeoutSec)
	}
	if cfg.Dispatch.MaxConcurrentLoad != 3 {
		t.Errorf("MaxConcurrentLoad = %d, want 3", cfg.Dispatch.MaxConcurrentLoad)
	}
	if cfg.Matcher.OnlineWeight != 0.5 || cfg.Matcher.LocationWeight != 0.1 {
		t.Errorf("Matcher = %+v, want default weights", cfg.Matcher)
	}
	if cfg.Matcher.MinRatingCount != 3 {
		t.Errorf("MinRatingCount = %d, want 3", cfg.Matcher.MinRatingCount)
	}
	if cfg.Supervisor.ReconcileSchedule != "*/5 * * * *" {
		t.Errorf("ReconcileSchedule = %q", cfg.Supervisor.ReconcileSchedule)
	}
	if cfg.Redis.Channel != "liveassist.sessions" {
		t.Errorf("Redis.Channel = %q", cfg.Redis.Channel)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 || cfg.Database.User != "root" {
		t.Errorf("Database = %+v", cfg.Database)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", "database.driver"},
		{"missing rule id", "rules:\n  - role: counselor\n", "rules[0].id is required"},
		{"bad strategy", "rules:\n  - id: r1\n    strategy: lottery\n", "strategy \"lottery\" is invalid"},
		{"bad trigger", "rules:\n  - id: r1\n    trigger: moon\n", "trigger \"moon\" is invalid"},
		{"unknown fallback", "rules:\n  - id: r1\n    fallback_rules: [nope]\n", "unknown rule \"nope\""},
		{"duplicate rule", "rules:\n  - id: r1\n  - id: r1\n", "duplicated"},
		{"negative attempts", "rules:\n  - id: r1\n    max_attempts: -1\n", "max_attempts must be at least 1"},
		{"professional role", "professionals:\n  - id: p1\n", "professionals[0].role is required"},
		{"rating range", "professionals:\n  - id: p1\n    role: x\n    rating_average: 7\n", "rating_average"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("rules: [unclosed"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assist.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/assist.yaml")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want config: read prefix", err.Error())
	}
}
