// Package config centralizes environment-driven settings for the coordinator
// and agent processes. The teacher scatters os.Getenv lookups at each call
// site; this collects them into one struct with documented defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interfaces contract.
type Config struct {
	StageTimeout          time.Duration
	TaskTTL               time.Duration
	MaxStageRetries       int
	ConsumerPrefetch      int
	ArchiveRetentionDays  int
	DefaultTemplate       string

	BrokerURL  string
	StoreDir   string
	ArchiveDSN string

	ModerationBlockThreshold float64
	ReasoningTokenBudget     int

	RetrievalServiceURL  string
	RetrievalTopK        int
	WebSearchServiceURL  string
	WebSearchMaxHits     int
	InferenceServiceURL  string

	AgentConcurrency int
	HTTPAddr         string
	AgentHTTPAddr    string
}

// Load builds a Config from the environment, applying spec defaults for
// anything unset.
func Load() Config {
	return Config{
		StageTimeout:             envDuration("MCP_STAGE_TIMEOUT_SECONDS", 300*time.Second),
		TaskTTL:                  envDuration("MCP_TASK_TTL_SECONDS", 600*time.Second),
		MaxStageRetries:          envInt("MCP_MAX_STAGE_RETRIES", 1),
		ConsumerPrefetch:         envInt("MCP_CONSUMER_PREFETCH", 8),
		ArchiveRetentionDays:     envInt("MCP_ARCHIVE_RETENTION_DAYS", 7),
		DefaultTemplate:          envString("MCP_DEFAULT_TEMPLATE", "standard"),
		BrokerURL:                envString("MCP_BROKER_URL", "nats://127.0.0.1:4222"),
		StoreDir:                 envString("MCP_STORE_DIR", "./data/kv"),
		ArchiveDSN:               envString("MCP_ARCHIVE_DSN", "postgres://localhost:5432/mcp?sslmode=disable"),
		ModerationBlockThreshold: envFloat("MCP_MODERATION_BLOCK_THRESHOLD", 0.8),
		ReasoningTokenBudget:     envInt("MCP_REASONING_TOKEN_BUDGET", 2048),

		RetrievalServiceURL: envString("MCP_RETRIEVAL_SERVICE_URL", "http://127.0.0.1:9001"),
		RetrievalTopK:       envInt("MCP_RETRIEVAL_TOP_K", 5),
		WebSearchServiceURL: envString("MCP_WEB_SEARCH_SERVICE_URL", "http://127.0.0.1:9002"),
		WebSearchMaxHits:    envInt("MCP_WEB_SEARCH_MAX_HITS", 3),
		InferenceServiceURL: envString("MCP_INFERENCE_SERVICE_URL", "http://127.0.0.1:9003"),

		AgentConcurrency: envInt("MCP_AGENT_CONCURRENCY", 8),
		HTTPAddr:         envString("MCP_HTTP_ADDR", ":8080"),
		AgentHTTPAddr:    envString("MCP_AGENT_HTTP_ADDR", ":8081"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
