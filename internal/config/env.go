package config

import (
	"os"
	"strconv"
	"time"
)

// RuntimeConfig holds the environment-driven knobs named in the external
// interfaces contract: backend selection and cadence overrides. Profile
// (profile.go) holds everything declarative; this holds everything that
// varies by deployment.
type RuntimeConfig struct {
	PostgresDSN string // presence selects the Postgres backend; absence selects the embedded local one
	LocalDBPath string

	OrchestratorInterval  time.Duration
	PerfSnapshotInterval  time.Duration
	PerfEvalInterval      time.Duration
	LLMSentimentCycle     time.Duration
	CacheTTL              time.Duration

	RedisAddr string

	HTTPAddr string

	LLMAPIBaseURL string
	LLMAPIKey     string
	LLMModel      string
}

// LoadRuntimeConfig reads environment variables with the defaults the
// orchestrator and read API fall back to when unset.
func LoadRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PostgresDSN:          os.Getenv("DATABASE_URL"),
		LocalDBPath:           envOr("LOCAL_DB_PATH", "signals.db"),
		OrchestratorInterval: envDurationSec("ORCHESTRATOR_INTERVAL_SEC", 15*time.Minute),
		PerfSnapshotInterval: envDurationHours("PERF_SNAPSHOT_INTERVAL_HOURS", 12*time.Hour),
		PerfEvalInterval:     envDurationHours("PERF_EVAL_INTERVAL_HOURS", 4*time.Hour),
		LLMSentimentCycle:    envDurationHours("LLM_SENTIMENT_CYCLE_HOURS", 12*time.Hour),
		CacheTTL:             envDurationSec("CACHE_TTL_SEC", 5*time.Minute),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		HTTPAddr:             envOr("HTTP_ADDR", ":8080"),
		LLMAPIBaseURL:        os.Getenv("LLM_API_BASE_URL"),
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
		LLMModel:             envOr("LLM_MODEL", "default"),
	}
}

// UsePostgres reports whether a DSN is configured, mirroring spec §6's
// "presence of a DSN chooses the server backend; absence chooses the
// embedded one".
func (c RuntimeConfig) UsePostgres() bool {
	return c.PostgresDSN != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationSec(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envDurationHours(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Hour
		}
	}
	return fallback
}
