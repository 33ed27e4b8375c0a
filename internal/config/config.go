package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	SweepTenants  []string `mapstructure:"SWEEP_TENANTS"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	ClinicTimezone           string        `mapstructure:"CLINIC_TIMEZONE"`
	DoctorStaleThreshold     time.Duration `mapstructure:"DOCTOR_STALE_THRESHOLD"`
	DoctorSweepInterval      time.Duration `mapstructure:"DOCTOR_SWEEP_INTERVAL"`
	AppointmentSweepInterval time.Duration `mapstructure:"APPOINTMENT_SWEEP_INTERVAL"`

	RedisURL          string        `mapstructure:"REDIS_URL"`
	RedisChannel      string        `mapstructure:"REDIS_CHANNEL"`
	AuditKafkaBrokers []string      `mapstructure:"AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic   string        `mapstructure:"AUDIT_KAFKA_TOPIC"`
	AuditBufferSize   int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	InventoryURL      string        `mapstructure:"INVENTORY_URL"`
	InventoryTimeout  time.Duration `mapstructure:"INVENTORY_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "SWEEP_TENANTS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"CLINIC_TIMEZONE", "DOCTOR_STALE_THRESHOLD", "DOCTOR_SWEEP_INTERVAL", "APPOINTMENT_SWEEP_INTERVAL",
	"REDIS_URL", "REDIS_CHANNEL", "AUDIT_KAFKA_BROKERS", "AUDIT_KAFKA_TOPIC", "AUDIT_BUFFER_SIZE",
	"INVENTORY_URL", "INVENTORY_TIMEOUT",
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DOCTOR_STALE_THRESHOLD", "300s")
	v.SetDefault("DOCTOR_SWEEP_INTERVAL", "60s")
	v.SetDefault("APPOINTMENT_SWEEP_INTERVAL", "5m")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "clinic.workflow.audit")
	v.SetDefault("AUDIT_BUFFER_SIZE", 10000)
	v.SetDefault("INVENTORY_TIMEOUT", "5s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.SweepTenants = splitList(cfg.SweepTenants)
	cfg.AuditKafkaBrokers = splitList(cfg.AuditKafkaBrokers)
	if len(cfg.SweepTenants) == 0 {
		cfg.SweepTenants = []string{cfg.DefaultTenant}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalises comma-separated env values, which viper may hand back
// either as one element or already split.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is set it
// wins. Otherwise:
//   - ENV=development      -> "development" (dev actor, no token required)
//   - AUTH_SIGNING_KEY set -> "shared-secret" (HMAC-signed tokens)
//   - otherwise            -> "external" (JWKS from AUTH_ISSUER)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthSigningKey != "" {
		return "shared-secret"
	}
	return "external"
}

// Location resolves CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// ZerologLevel parses LOG_LEVEL, defaulting to info.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "shared-secret":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"shared-secret\", or \"external\", got %q", mode)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DoctorStaleThreshold <= 0 {
		return fmt.Errorf("DOCTOR_STALE_THRESHOLD must be positive")
	}
	if c.DoctorSweepInterval <= 0 || c.AppointmentSweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.AuditKafkaBrokers) > 0 && c.AuditKafkaTopic == "" {
		return fmt.Errorf("AUDIT_KAFKA_TOPIC is required when AUDIT_KAFKA_BROKERS is set")
	}
	return nil
}
