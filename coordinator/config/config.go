package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds every tunable for the coordinator. All values come from the
// environment with production defaults; secrets have no defaults.
type Config struct {
	// HTTP surface
	Port           int
	APIPrefix      string
	AllowedOrigins []string

	// Backends
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Push vendor. Empty URL disables delivery.
	PushAPIURL string
	PushAPIKey string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Handshake tuning
	ChallengeExpiration time.Duration
	HandshakeTimeout    time.Duration
	MaxRetryAttempts    int

	// Presence tuning
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration

	// Coordination
	LockTTL time.Duration

	// Retention
	RetentionDays int
	CleanupCron   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	// an unparsable integer fails the whole load
	var envErr error
	num := func(key string, def int) int {
		n, err := envInt(key, def)
		if err != nil && envErr == nil {
			envErr = err
		}
		return n
	}

	cfg := &Config{
		Port:                num("HTTP_PORT", 8080),
		APIPrefix:           envStr("API_PREFIX", ""),
		AllowedOrigins:      splitOrigins(envStr("ALLOWED_ORIGINS", "*")),
		DatabaseURL:         envStr("DATABASE_URL", "postgres://localhost:5432/rendezvous"),
		RedisAddr:           envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       envStr("REDIS_PASSWORD", ""),
		RedisDB:             num("REDIS_DB", 0),
		PushAPIURL:          envStr("PUSH_API_URL", ""),
		PushAPIKey:          envStr("PUSH_API_KEY", ""),
		JWTSecret:           envStr("JWT_SECRET", ""),
		TokenTTL:            time.Duration(num("TOKEN_TTL_HOURS", 24)) * time.Hour,
		ChallengeExpiration: time.Duration(num("CHALLENGE_EXPIRATION_SECONDS", 3600)) * time.Second,
		HandshakeTimeout:    time.Duration(num("HANDSHAKE_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetryAttempts:    num("MAX_RETRY_ATTEMPTS", 3),
		HeartbeatInterval:   time.Duration(num("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		PresenceTTL:         time.Duration(num("PRESENCE_TTL_SECONDS", 60)) * time.Second,
		LockTTL:             time.Duration(num("LOCK_TTL_SECONDS", 10)) * time.Second,
		RetentionDays:       num("RETENTION_DAYS", 30),
		CleanupCron:         envStr("CLEANUP_CRON", "*/5 * * * *"),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		LogFormat:           envStr("LOG_FORMAT", "text"),
	}
	if envErr != nil {
		return nil, envErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL_SECONDS must be positive")
	}
	if c.PresenceTTL < c.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_TTL_SECONDS (%v) must not be shorter than HEARTBEAT_INTERVAL_SECONDS (%v)",
			c.PresenceTTL, c.HeartbeatInterval)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.Port)
	}
	return nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PushEnabled reports whether a push vendor is configured.
func (c *Config) PushEnabled() bool {
	return c.PushAPIURL != ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
