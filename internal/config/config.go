// Package config assembles the process configuration from environment
// variables. The configuration is built once at startup, validated, and
// treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names recognized in Config.Environment.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// hostPrefix is the cookie-name prefix required in production. __Host-
// cookies are bound to the origin host, must be Secure, and cannot carry
// a Domain attribute.
const hostPrefix = "__Host-"

// Config holds all application configuration.
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Session     SessionConfig
	CSRF        CSRFConfig
	RateLimit   RateLimitConfig
	Lockout     LockoutConfig
	Reset       ResetConfig
	Network     NetworkConfig
	Retention   RetentionConfig
	Rotation    RotationConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// SessionConfig holds session cookie and lifecycle configuration.
type SessionConfig struct {
	CookieName         string
	MaxAge             time.Duration
	IdleTimeout        time.Duration
	SameSite           string
	RotationInterval   time.Duration
	MaxSessionsPerUser int
}

// CSRFConfig holds double-submit anti-forgery configuration.
type CSRFConfig struct {
	CookieName string
	HeaderName string
	SameSite   string
}

// RateLimitConfig holds the login rate-limit window and maxima.
type RateLimitConfig struct {
	LoginWindow         time.Duration
	LoginMaxPerIP       int
	LoginMaxPerUsername int
}

// LockoutConfig holds account lockout policy.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// ResetConfig holds password-reset token and throttling configuration.
type ResetConfig struct {
	TokenTTL     time.Duration
	MaxPerUser   int
	UserWindow   time.Duration
	MaxPerIP     int
	IPWindow     time.Duration
	DevResetLink bool
}

// NetworkConfig controls proxy trust for client IP resolution.
type NetworkConfig struct {
	TrustProxy bool
}

// RetentionConfig holds pruning windows for the attempt/request logs.
type RetentionConfig struct {
	LoginAttempts time.Duration
	ResetRequests time.Duration
	PruneInterval time.Duration
}

// RotationConfig toggles the client-fingerprint rotation triggers.
type RotationConfig struct {
	OnIPChange        bool
	OnUserAgentChange bool
}

// Load reads configuration from environment variables and applies defaults.
// Call Validate before using the result.
func Load() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "sentinel"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Session: SessionConfig{
			CookieName:         getEnv("SESSION_COOKIE_NAME", "__Host-sid"),
			MaxAge:             getMillisEnv("SESSION_MAX_AGE_MS", 7*24*time.Hour),
			IdleTimeout:        getMillisEnv("SESSION_IDLE_TIMEOUT_MS", 30*time.Minute),
			SameSite:           getEnv("SESSION_SAMESITE", "strict"),
			RotationInterval:   getMillisEnv("SESSION_ROTATION_INTERVAL_MS", 12*time.Hour),
			MaxSessionsPerUser: getIntEnv("SESSION_MAX_SESSIONS_PER_USER", 5),
		},
		CSRF: CSRFConfig{
			CookieName: getEnv("CSRF_COOKIE_NAME", "__Host-csrf"),
			HeaderName: getEnv("CSRF_HEADER_NAME", "X-Csrf-Token"),
			SameSite:   getEnv("CSRF_SAMESITE", "strict"),
		},
		RateLimit: RateLimitConfig{
			LoginWindow:         getMillisEnv("RATE_LIMIT_LOGIN_WINDOW_MS", time.Minute),
			LoginMaxPerIP:       getIntEnv("RATE_LIMIT_LOGIN_MAX_PER_IP", 10),
			LoginMaxPerUsername: getIntEnv("RATE_LIMIT_LOGIN_MAX_PER_USERNAME", 10),
		},
		Lockout: LockoutConfig{
			Threshold: getIntEnv("LOCKOUT_THRESHOLD", 5),
			Duration:  getMillisEnv("LOCKOUT_DURATION_MS", 15*time.Minute),
		},
		Reset: ResetConfig{
			TokenTTL:     getMillisEnv("RESET_TOKEN_TTL_MS", 30*time.Minute),
			MaxPerUser:   getIntEnv("RESET_MAX_PER_USER", 3),
			UserWindow:   getMillisEnv("RESET_WINDOW_MS", 15*time.Minute),
			MaxPerIP:     getIntEnv("RESET_MAX_PER_IP", 30),
			IPWindow:     getMillisEnv("RESET_IP_WINDOW_MS", 15*time.Minute),
			DevResetLink: getBoolEnv("FEATURE_DEV_RESET_LINK", false),
		},
		Network: NetworkConfig{
			TrustProxy: getBoolEnv("TRUST_PROXY", false),
		},
		Retention: RetentionConfig{
			LoginAttempts: getMillisEnv("RETENTION_LOGIN_ATTEMPTS_MS", 30*24*time.Hour),
			ResetRequests: getMillisEnv("RETENTION_RESET_REQUESTS_MS", 30*24*time.Hour),
			PruneInterval: getMillisEnv("RETENTION_PRUNE_INTERVAL_MS", time.Hour),
		},
		Rotation: RotationConfig{
			OnIPChange:        getBoolEnv("ROTATE_ON_IP_CHANGE", true),
			OnUserAgentChange: getBoolEnv("ROTATE_ON_UA_CHANGE", true),
		},
	}
}

// Validate enforces cross-field invariants. It must be called once at
// startup; a non-nil error means the process should refuse to start.
func (c *Config) Validate() error {
	if c.Session.MaxAge < time.Minute {
		return fmt.Errorf("SESSION_MAX_AGE_MS must be at least 60000, got %d", c.Session.MaxAge.Milliseconds())
	}
	if c.Session.IdleTimeout < 30*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_MS must be at least 30000, got %d", c.Session.IdleTimeout.Milliseconds())
	}
	if c.Session.IdleTimeout > c.Session.MaxAge {
		return fmt.Errorf(
			"SESSION_IDLE_TIMEOUT_MS (%d) must be <= SESSION_MAX_AGE_MS (%d)",
			c.Session.IdleTimeout.Milliseconds(), c.Session.MaxAge.Milliseconds(),
		)
	}
	if c.Session.RotationInterval < time.Minute {
		return fmt.Errorf("SESSION_ROTATION_INTERVAL_MS must be at least 60000, got %d", c.Session.RotationInterval.Milliseconds())
	}
	if c.Session.MaxSessionsPerUser < 1 {
		return fmt.Errorf("SESSION_MAX_SESSIONS_PER_USER must be >= 1, got %d", c.Session.MaxSessionsPerUser)
	}
	if err := validateSameSite("SESSION_SAMESITE", c.Session.SameSite); err != nil {
		return err
	}
	if err := validateSameSite("CSRF_SAMESITE", c.CSRF.SameSite); err != nil {
		return err
	}
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be >= 1, got %d", c.Lockout.Threshold)
	}
	if c.Lockout.Duration < time.Second {
		return fmt.Errorf("LOCKOUT_DURATION_MS must be at least 1000, got %d", c.Lockout.Duration.Milliseconds())
	}
	if c.RateLimit.LoginWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_LOGIN_WINDOW_MS must be at least 1000, got %d", c.RateLimit.LoginWindow.Milliseconds())
	}
	if c.RateLimit.LoginMaxPerIP < 1 || c.RateLimit.LoginMaxPerUsername < 1 {
		return fmt.Errorf("login rate-limit maxima must be >= 1")
	}
	if c.Reset.TokenTTL < time.Minute {
		return fmt.Errorf("RESET_TOKEN_TTL_MS must be at least 60000, got %d", c.Reset.TokenTTL.Milliseconds())
	}
	if c.Reset.MaxPerUser < 1 || c.Reset.MaxPerIP < 1 {
		return fmt.Errorf("reset request maxima must be >= 1")
	}
	if c.Reset.UserWindow < time.Minute || c.Reset.IPWindow < time.Minute {
		return fmt.Errorf("reset request windows must be at least 60000 ms")
	}

	if c.IsProduction() {
		if !strings.HasPrefix(c.Session.CookieName, hostPrefix) {
			return fmt.Errorf("SESSION_COOKIE_NAME must start with %s in production", hostPrefix)
		}
		if !strings.HasPrefix(c.CSRF.CookieName, hostPrefix) {
			return fmt.Errorf("CSRF_COOKIE_NAME must start with %s in production", hostPrefix)
		}
	}

	return nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func validateSameSite(key, value string) error {
	switch strings.ToLower(value) {
	case "lax", "strict", "none":
		return nil
	}
	return fmt.Errorf("%s must be one of lax, strict, none; got %q", key, value)
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getMillisEnv returns a duration from a millisecond-valued environment
// variable or the default.
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getIntEnv returns an integer from an environment variable or the default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from an environment variable or the default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
