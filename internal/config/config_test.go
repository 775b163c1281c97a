package config

import (
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected default address %q", cfg.Addr())
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"empty host", func(c *Config) { c.Host = "" }},
		{"empty authority URL", func(c *Config) { c.AuthorityURL = "" }},
		{"invalid authority URL", func(c *Config) { c.AuthorityURL = "not a url" }},
		{"zero IP cap", func(c *Config) { c.MaxConnectionsPerIP = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimitPerMinute = 0 }},
		{"zero heartbeat interval", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"timeout below interval", func(c *Config) {
			c.HeartbeatInterval = time.Minute
			c.HeartbeatTimeout = time.Second
		}},
		{"zero cache TTL", func(c *Config) { c.SessionCacheTTL = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	cfg := Default()
	cfg.AllowedOrigins = []string{"http://localhost:5173", "https://bingo.example"}

	if !cfg.OriginAllowed("") {
		t.Error("empty origin (non-browser client) must be allowed")
	}
	if !cfg.OriginAllowed("http://localhost:5173") {
		t.Error("listed origin must be allowed")
	}
	if !cfg.OriginAllowed("HTTPS://BINGO.EXAMPLE") {
		t.Error("origin matching is case-insensitive")
	}
	if cfg.OriginAllowed("http://evil.example") {
		t.Error("unlisted origin must be rejected")
	}
}

func TestParseOrigins(t *testing.T) {
	got := ParseOrigins(" http://a.example ,, https://b.example,")
	if len(got) != 2 || got[0] != "http://a.example" || got[1] != "https://b.example" {
		t.Errorf("unexpected parse result %v", got)
	}
	if got := ParseOrigins(""); len(got) != 0 {
		t.Errorf("empty input should yield no origins, got %v", got)
	}
}
