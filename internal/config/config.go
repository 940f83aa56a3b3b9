package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultHospital   string        `mapstructure:"DEFAULT_HOSPITAL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	MRNPrefix         string        `mapstructure:"MRN_PREFIX"`
	SMTPHost          string        `mapstructure:"SMTP_HOST"`
	SMTPPort          int           `mapstructure:"SMTP_PORT"`
	SMTPUsername      string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword      string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom          string        `mapstructure:"SMTP_FROM"`
	NotifyTimeout     time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	NotifyMaxFailures uint32        `mapstructure:"NOTIFY_BREAKER_FAILURES"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DEFAULT_HOSPITAL",
	"CORS_ORIGINS",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_JWKS_URL",
	"SESSION_SIGNING_KEY",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"MRN_PREFIX",
	"SMTP_HOST",
	"SMTP_PORT",
	"SMTP_USERNAME",
	"SMTP_PASSWORD",
	"SMTP_FROM",
	"NOTIFY_TIMEOUT",
	"NOTIFY_BREAKER_FAILURES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_HOSPITAL", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MRN_PREFIX", "P")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@hms.local")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_BREAKER_FAILURES", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development): staff endpoints accept unauthenticated requests as admin.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SessionKey decodes SESSION_SIGNING_KEY. Hex-encoded keys are decoded, anything
// else is used as raw bytes.
func (c *Config) SessionKey() []byte {
	if c.SessionSigningKey == "" {
		return nil
	}
	if b, err := hex.DecodeString(c.SessionSigningKey); err == nil {
		return b
	}
	return []byte(c.SessionSigningKey)
}

// Validate checks that the configuration is safe to run. Outside development a
// session verifier (HMAC key or JWKS) must be configured so that patient sessions
// can be trusted.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.SessionKey()) == 0 && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q", c.Env)
	}
	if key := c.SessionKey(); len(key) > 0 && len(key) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	if c.SMTPHost != "" && c.SMTPPort <= 0 {
		return fmt.Errorf("SMTP_PORT must be positive when SMTP_HOST is set")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive, got %s", c.NotifyTimeout)
	}
	if c.MRNPrefix == "" {
		return fmt.Errorf("MRN_PREFIX must not be empty")
	}
	return nil
}
