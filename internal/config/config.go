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
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	HIPAAEncryptionEnabled bool   `mapstructure:"HIPAA_ENCRYPTION_ENABLED"`
	HIPAAEncryptionKey     string `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion        int    `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys      string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	TenantCacheTTL time.Duration `mapstructure:"TENANT_CACHE_TTL"`
	TenantHeader   string        `mapstructure:"TENANT_HEADER"`

	ApprovalValidity              time.Duration `mapstructure:"APPROVAL_VALIDITY"`
	RequireClinicianForScheduling bool          `mapstructure:"REQUIRE_CLINICIAN_FOR_SCHEDULING"`
	ExpirySweepInterval           time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`

	OutboxPollInterval   time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize      int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts    int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxBaseBackoff    time.Duration `mapstructure:"OUTBOX_BASE_BACKOFF"`
	OutboxMaxBackoff     time.Duration `mapstructure:"OUTBOX_MAX_BACKOFF"`
	OutboxAttemptTimeout time.Duration `mapstructure:"OUTBOX_ATTEMPT_TIMEOUT"`
	OutboxLease          time.Duration `mapstructure:"OUTBOX_LEASE"`
	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileWindow      time.Duration `mapstructure:"RECONCILE_WINDOW"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	BlobSigningKey string `mapstructure:"BLOB_SIGNING_KEY"`
	PublicBaseURL  string `mapstructure:"PUBLIC_BASE_URL"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"HIPAA_ENCRYPTION_ENABLED", "HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"TENANT_CACHE_TTL", "TENANT_HEADER",
	"APPROVAL_VALIDITY", "REQUIRE_CLINICIAN_FOR_SCHEDULING", "EXPIRY_SWEEP_INTERVAL",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_BASE_BACKOFF",
	"OUTBOX_MAX_BACKOFF", "OUTBOX_ATTEMPT_TIMEOUT", "OUTBOX_LEASE", "RECONCILE_INTERVAL", "RECONCILE_WINDOW",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"BLOB_SIGNING_KEY", "PUBLIC_BASE_URL",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("TENANT_CACHE_TTL", "5m")
	v.SetDefault("TENANT_HEADER", "X-Business-Slug")
	v.SetDefault("APPROVAL_VALIDITY", "720h")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "15m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 8)
	v.SetDefault("OUTBOX_BASE_BACKOFF", "5s")
	v.SetDefault("OUTBOX_MAX_BACKOFF", "30m")
	v.SetDefault("OUTBOX_ATTEMPT_TIMEOUT", "10s")
	v.SetDefault("OUTBOX_LEASE", "1m")
	v.SetDefault("RECONCILE_INTERVAL", "5m")
	v.SetDefault("RECONCILE_WINDOW", "1h")
	v.SetDefault("KAFKA_TOPIC", "telehealth.events")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a token are trusted as a local operator.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalizes a list setting that may arrive as one comma separated
// string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) <= 1 {
		if raw == "" {
			return nil
		}
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// tokens and blob links must be signed with configured keys. In production
// PHI encryption must be on with a valid 32-byte key.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters outside development")
		}
		if c.BlobSigningKey == "" {
			return fmt.Errorf("BLOB_SIGNING_KEY is required outside development")
		}
	}

	// HIPAA encryption key validation
	if c.IsProduction() && !c.HIPAAEncryptionEnabled {
		return fmt.Errorf("HIPAA_ENCRYPTION_ENABLED must be true in production")
	}
	if c.HIPAAEncryptionEnabled && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required when HIPAA_ENCRYPTION_ENABLED is true")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	// Outbox ceilings.
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.OutboxMaxAttempts)
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.OutboxBatchSize)
	}
	if c.OutboxBaseBackoff <= 0 || c.OutboxMaxBackoff < c.OutboxBaseBackoff {
		return fmt.Errorf("OUTBOX_BASE_BACKOFF must be positive and not exceed OUTBOX_MAX_BACKOFF")
	}

	if c.ApprovalValidity <= 0 {
		return fmt.Errorf("APPROVAL_VALIDITY must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
