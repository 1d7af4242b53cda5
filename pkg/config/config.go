package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	// DatabaseURL is the Postgres connection string. Empty means the
	// gateway runs in memory mode and the worker cannot run at all.
	DatabaseURL string

	// RedisURL optionally selects a shared dedup backend for the
	// ingestion fallback path (multi-instance gateways).
	RedisURL string

	DefaultTenantID       int64
	DefaultPractitionerID int64

	// FacilityIDs is the eligibility allow-set for materializing
	// created events. Cancellations ignore it.
	FacilityIDs []string
	// FacilityProfile points at an optional YAML profile that extends
	// FacilityIDs (see profile.go).
	FacilityProfile string

	WorkerBatchSize    int
	WorkerPollInterval time.Duration
	WorkerErrInterval  time.Duration
	ClaimLease         time.Duration

	DedupLimit int

	RateRPS   int
	RateBurst int

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:       envStr("PORT", "8080"),
		HealthPort: envStr("HEALTH_PORT", "8081"),
		LogLevel:   envStr("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		DefaultTenantID:       envInt64("VISITSYNC_DEFAULT_TENANT_ID", 1),
		DefaultPractitionerID: envInt64("VISITSYNC_DEFAULT_PRACTITIONER_ID", 1),

		FacilityIDs:     splitCSV(os.Getenv("VISITSYNC_FACILITY_IDS")),
		FacilityProfile: os.Getenv("VISITSYNC_FACILITY_PROFILE"),

		WorkerBatchSize:    envInt("WORKER_BATCH_SIZE", 10),
		WorkerPollInterval: envDuration("WORKER_POLL_INTERVAL", 1500*time.Millisecond),
		WorkerErrInterval:  envDuration("WORKER_ERR_INTERVAL", 2*time.Second),
		ClaimLease:         envDuration("WORKER_CLAIM_LEASE", 60*time.Second),

		DedupLimit: envInt("DEDUP_LIMIT", 5000),

		RateRPS:   envInt("RATE_LIMIT_RPS", 20),
		RateBurst: envInt("RATE_LIMIT_BURST", 40),

		OTLPEndpoint:     envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

// EligibleFacilities merges the env allow-set with the facility profile,
// if one is configured. An empty result simply means no created event is
// eligible; cancellations are unaffected either way.
func (c *Config) EligibleFacilities() (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(c.FacilityIDs))
	for _, id := range c.FacilityIDs {
		set[id] = struct{}{}
	}
	if c.FacilityProfile != "" {
		profile, err := LoadFacilityProfile(c.FacilityProfile)
		if err != nil {
			return nil, err
		}
		for _, id := range profile.FacilityIDs {
			set[id] = struct{}{}
		}
	}
	return set, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
