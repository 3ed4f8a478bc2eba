// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/finaiguard/internal/auditchain"
)

// ErrConfiguration wraps every validation failure.
var ErrConfiguration = errors.New("config: invalid configuration")

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. Both optional; in-memory stores are used when unset.
	DatabaseURL string
	RedisURL    string

	// Attestation publishing
	KafkaBrokers        []string
	KafkaTopic          string
	AttestationKey      string // hex secp256k1 key, with or without 0x
	AttestationInterval time.Duration

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans sampled, 0..1

	// Screening
	HashAlgorithm  string
	PolicyFile     string // YAML rule set; built-in policy when empty
	ReferenceDir   string // reference snapshots loaded at startup
	LookupTimeout  time.Duration
	RuleTimeout    time.Duration
	Workers        int
	AppendAttempts int
	DefaultChain   string

	RateLimitRPS int
	CORSOrigins  []string // empty allows any origin
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultHashAlgorithm       = "sha256"
	DefaultKafkaTopic          = "finaiguard.attestations"
	DefaultAttestationInterval = 5 * time.Minute
	DefaultLookupTimeout       = 500 * time.Millisecond
	DefaultRuleTimeout         = 2 * time.Second
	DefaultWorkers             = 8
	DefaultAppendAttempts      = 5
	DefaultChain               = "default"
	DefaultRateLimit           = 100
	DefaultTraceSampleRatio    = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AttestationKey:      os.Getenv("ATTESTATION_KEY"),
		AttestationInterval: getEnvDuration("ATTESTATION_INTERVAL", DefaultAttestationInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
		HashAlgorithm:       getEnv("HASH_ALGORITHM", DefaultHashAlgorithm),
		PolicyFile:          os.Getenv("POLICY_FILE"),
		ReferenceDir:        os.Getenv("REFERENCE_DIR"),
		LookupTimeout:       getEnvDuration("LOOKUP_TIMEOUT", DefaultLookupTimeout),
		RuleTimeout:         getEnvDuration("RULE_TIMEOUT", DefaultRuleTimeout),
		Workers:             int(getEnvInt64("WORKERS", DefaultWorkers)),
		AppendAttempts:      int(getEnvInt64("APPEND_ATTEMPTS", DefaultAppendAttempts)),
		DefaultChain:        getEnv("DEFAULT_CHAIN", DefaultChain),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable and reports every problem.
func (c *Config) Validate() error {
	var problems []string

	if !slices.Contains(auditchain.Algorithms(), c.HashAlgorithm) {
		problems = append(problems, fmt.Sprintf("HASH_ALGORITHM %q is not one of %s",
			c.HashAlgorithm, strings.Join(auditchain.Algorithms(), ", ")))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, "LOG_FORMAT must be text or json")
	}
	if !auditchain.ValidChainID(c.DefaultChain) {
		problems = append(problems, fmt.Sprintf("DEFAULT_CHAIN %q is not a valid chain id", c.DefaultChain))
	}
	if c.Workers < 1 {
		problems = append(problems, "WORKERS must be at least 1")
	}
	if c.AppendAttempts < 1 {
		problems = append(problems, "APPEND_ATTEMPTS must be at least 1")
	}
	if c.LookupTimeout <= 0 || c.RuleTimeout <= 0 || c.AttestationInterval <= 0 {
		problems = append(problems, "timeouts and intervals must be positive")
	}
	if c.RateLimitRPS < 0 {
		problems = append(problems, "RATE_LIMIT_RPS must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		problems = append(problems, "TRACE_SAMPLE_RATIO must be between 0 and 1")
	}

	// Allow both with and without 0x prefix
	if key := strings.TrimPrefix(c.AttestationKey, "0x"); key != "" && len(key) != 64 {
		problems = append(problems, "ATTESTATION_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
