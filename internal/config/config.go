package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DBStatementTimeout  time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	BraceletStrategy    string        `mapstructure:"BRACELET_STRATEGY"`
	BraceletMaxAttempts int           `mapstructure:"BRACELET_MAX_ATTEMPTS"`
	ColorPolicy         string        `mapstructure:"COLOR_POLICY"`
	TransitionPolicy    string        `mapstructure:"TRANSITION_POLICY"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	BreakerFailures     uint32        `mapstructure:"BREAKER_FAILURES"`
	BreakerTimeout      time.Duration `mapstructure:"BREAKER_TIMEOUT"`
}

// minSigningKeyLen is the shortest HS256 secret accepted outside development.
const minSigningKeyLen = 32

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("AUTH_ISSUER", "triage-desk")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("BRACELET_STRATEGY", "count")
	v.SetDefault("BRACELET_MAX_ATTEMPTS", 5)
	v.SetDefault("COLOR_POLICY", "strict")
	v.SetDefault("TRANSITION_POLICY", "permissive")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("BREAKER_FAILURES", 3)
	v.SetDefault("BREAKER_TIMEOUT", "10s")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DB_STATEMENT_TIMEOUT", "REQUEST_TIMEOUT", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "BRACELET_STRATEGY", "BRACELET_MAX_ATTEMPTS",
		"COLOR_POLICY", "TRANSITION_POLICY", "MIGRATIONS_DIR", "BREAKER_FAILURES",
		"BREAKER_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects combinations the server must not start with.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.AuthSigningKey) < minSigningKeyLen {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes outside development", minSigningKeyLen)
	}
	switch c.BraceletStrategy {
	case "count", "counter":
	default:
		return fmt.Errorf("BRACELET_STRATEGY must be \"count\" or \"counter\", got %q", c.BraceletStrategy)
	}
	if c.BraceletMaxAttempts < 1 {
		return fmt.Errorf("BRACELET_MAX_ATTEMPTS must be positive, got %d", c.BraceletMaxAttempts)
	}
	switch c.ColorPolicy {
	case "strict", "permissive":
	default:
		return fmt.Errorf("COLOR_POLICY must be \"strict\" or \"permissive\", got %q", c.ColorPolicy)
	}
	switch c.TransitionPolicy {
	case "permissive", "directed":
	default:
		return fmt.Errorf("TRANSITION_POLICY must be \"permissive\" or \"directed\", got %q", c.TransitionPolicy)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
