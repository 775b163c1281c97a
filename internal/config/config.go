package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config carries every runtime setting of the relay. Values come from CLI
// flags and their environment bindings in cmd/bingorelay; defaults match the
// reference deployment.
type Config struct {
	Host        string
	Port        int
	Environment string

	// AllowedOrigins is the browser origin allow-list. Upgrade requests
	// without an Origin header (non-browser clients) always pass.
	AllowedOrigins []string

	// AuthorityURL is the base URL of the session system of record.
	AuthorityURL string

	MaxConnectionsPerIP int
	RateLimitPerMinute  int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SessionCacheTTL   time.Duration

	ShutdownTimeout time.Duration
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8080,
		Environment:         "development",
		AllowedOrigins:      []string{"http://localhost:5173"},
		AuthorityURL:        "http://localhost:5173",
		MaxConnectionsPerIP: 10,
		RateLimitPerMinute:  60,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		SessionCacheTTL:     time.Minute,
		ShutdownTimeout:     30 * time.Second,
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.AuthorityURL == "" {
		return fmt.Errorf("authority URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.AuthorityURL); err != nil {
		return fmt.Errorf("authority URL invalid: %w", err)
	}
	if c.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("max connections per IP must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be at least one interval")
	}
	if c.SessionCacheTTL <= 0 {
		return fmt.Errorf("session cache TTL must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OriginAllowed applies the CORS allow-list. An empty origin is allowed
// through so non-browser clients can connect.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ParseOrigins splits a comma-separated origin list, trimming whitespace and
// dropping empty entries.
func ParseOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
