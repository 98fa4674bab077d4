package config

import "testing"

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "chatdesk", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "chatdesk", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_RejectsInvertedSentimentThresholds(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "chatdesk", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Automation: AutomationConfig{
			SentimentCritical: -0.2,
			SentimentHigh:     -0.5,
		},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for critical threshold above high threshold")
	}
}

func TestValidate_RejectsUnknownRebalancePolicy(t *testing.T) {
	c := Config{
		App:        AppConfig{Env: "local", Port: 8080},
		DB:         DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "chatdesk", SSLMode: "disable"},
		Redis:      RedisConfig{Host: "localhost", Port: 6379},
		Auth:       AuthConfig{JWTSecret: "secret"},
		Automation: AutomationConfig{RebalancePolicy: "round_robin"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown rebalance policy")
	}
}

func TestParseWebhooks(t *testing.T) {
	got := parseWebhooks("support=https://hooks.example.com/support, billing=https://hooks.example.com/billing")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got["support"] != "https://hooks.example.com/support" {
		t.Fatalf("support url wrong: %q", got["support"])
	}
	if parseWebhooks("") != nil {
		t.Fatalf("empty input must return nil")
	}
	if m := parseWebhooks("bad-entry"); len(m) != 0 {
		t.Fatalf("malformed entries must be skipped")
	}
}
