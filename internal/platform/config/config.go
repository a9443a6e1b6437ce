// Package config builds runtime configuration from the environment so main
// stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the service.
type Config struct {
	Addr          string
	LogLevel      string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string

	// ContentServiceURL is the base URL of the external content service.
	// Empty keeps the in-memory source, for development only.
	ContentServiceURL string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Clock    ClockConfig

	ChallengeTTL  time.Duration
	SweepInterval time.Duration
}

// PostgresConfig configures the primary store. An empty DSN keeps the
// service on its in-memory stores, for development only.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the challenge store. An empty URL disables Redis
// and challenges fall back to the in-memory store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional audit event stream. No brokers means
// no stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ClockConfig configures the trusted timestamp source. No authority URLs
// means the system clock is used, acceptable only outside regulated
// deployments.
type ClockConfig struct {
	AuthorityURLs  []string
	DriftTolerance time.Duration
	FetchTimeout   time.Duration
}

// FromEnv builds a Config from environment variables with development
// defaults.
func FromEnv() Config {
	return Config{
		Addr:          envString("ATTEST_ADDR", ":8080"),
		LogLevel:      envString("ATTEST_LOG_LEVEL", "info"),
		JWTSigningKey: envString("ATTEST_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:     envString("ATTEST_JWT_ISSUER", "attest"),
		JWTAudience:   envString("ATTEST_JWT_AUDIENCE", "attest-api"),

		ContentServiceURL: envString("ATTEST_CONTENT_SERVICE_URL", ""),
		Postgres: PostgresConfig{
			DSN:             envString("ATTEST_POSTGRES_DSN", ""),
			MaxOpenConns:    envInt("ATTEST_POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("ATTEST_POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("ATTEST_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          envString("ATTEST_REDIS_URL", ""),
			PoolSize:     envInt("ATTEST_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("ATTEST_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("ATTEST_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("ATTEST_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("ATTEST_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: envList("ATTEST_KAFKA_BROKERS"),
			Topic:   envString("ATTEST_KAFKA_TOPIC", "attest.audit-events"),
		},
		Clock: ClockConfig{
			AuthorityURLs:  envList("ATTEST_TIME_AUTHORITY_URLS"),
			DriftTolerance: envDuration("ATTEST_CLOCK_DRIFT_TOLERANCE", 5*time.Second),
			FetchTimeout:   envDuration("ATTEST_CLOCK_FETCH_TIMEOUT", 3*time.Second),
		},
		ChallengeTTL:  envDuration("ATTEST_CHALLENGE_TTL", 5*time.Minute),
		SweepInterval: envDuration("ATTEST_CEREMONY_SWEEP_INTERVAL", time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
