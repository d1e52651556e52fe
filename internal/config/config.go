package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	AuthMode           string        `mapstructure:"AUTH_MODE"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RedisChannelPrefix string        `mapstructure:"REDIS_CHANNEL_PREFIX"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	// AuthScopedRoles lists the roles limited to the patients assigned to
	// them in patient_assignments. Empty means role-only access.
	AuthScopedRoles    []string      `mapstructure:"AUTH_SCOPED_ROLES"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	WSEventRPS         float64       `mapstructure:"WS_EVENT_RPS"`
	WSEventBurst       int           `mapstructure:"WS_EVENT_BURST"`
	WSPingInterval     time.Duration `mapstructure:"WS_PING_INTERVAL"`
	WSHeartbeatTimeout time.Duration `mapstructure:"WS_HEARTBEAT_TIMEOUT"`
	WSWriteWait        time.Duration `mapstructure:"WS_WRITE_WAIT"`
	WSMaxMessageSize   int64         `mapstructure:"WS_MAX_MESSAGE_SIZE"`
	TypingExpiry       time.Duration `mapstructure:"TYPING_EXPIRY"`
	SessionAbandonWait time.Duration `mapstructure:"SESSION_ABANDON_GRACE"`
	PersistTimeout     time.Duration `mapstructure:"PERSIST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_CHANNEL_PREFIX", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "AUTH_SCOPED_ROLES", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "WS_EVENT_RPS",
	"WS_EVENT_BURST", "WS_PING_INTERVAL", "WS_HEARTBEAT_TIMEOUT", "WS_WRITE_WAIT",
	"WS_MAX_MESSAGE_SIZE", "TYPING_EXPIRY", "SESSION_ABANDON_GRACE", "PERSIST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_CHANNEL_PREFIX", "ehr")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("WS_EVENT_RPS", 30)
	v.SetDefault("WS_EVENT_BURST", 60)
	v.SetDefault("WS_PING_INTERVAL", "25s")
	v.SetDefault("WS_HEARTBEAT_TIMEOUT", "60s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("TYPING_EXPIRY", "4s")
	v.SetDefault("SESSION_ABANDON_GRACE", "2m")
	v.SetDefault("PERSIST_TIMEOUT", "5s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.AuthScopedRoles = splitList(cfg.AuthScopedRoles)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList expands comma-separated env values into trimmed, non-empty items.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// scopableRoles may be narrowed to assigned patients. Admins never are.
var scopableRoles = map[string]bool{"doctor": true, "nurse": true, "lab_technician": true}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE wins;
// otherwise ENV=development selects "development" (identity taken from the
// token text) and every other environment selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when no key is set.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_MODE=jwt requires AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER")
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}
	for _, role := range c.AuthScopedRoles {
		if !scopableRoles[role] {
			return fmt.Errorf("AUTH_SCOPED_ROLES: %q cannot be scoped, use doctor, nurse or lab_technician", role)
		}
	}
	if c.WSPingInterval <= 0 || c.WSHeartbeatTimeout <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL and WS_HEARTBEAT_TIMEOUT must be positive")
	}
	if c.WSPingInterval >= c.WSHeartbeatTimeout {
		return fmt.Errorf("WS_PING_INTERVAL (%s) must be shorter than WS_HEARTBEAT_TIMEOUT (%s)",
			c.WSPingInterval, c.WSHeartbeatTimeout)
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	return nil
}
