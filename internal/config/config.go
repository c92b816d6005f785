/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Snapshot storage backend selection.
type SnapshotBackend string

const (
	SnapshotFilesystem SnapshotBackend = "fs"
	SnapshotS3         SnapshotBackend = "s3"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	// Device liveness
	HeartbeatInterval time.Duration // interval advertised to devices at registration
	HeartbeatTimeout  time.Duration // lapse after which a silent device goes offline
	SweepInterval     time.Duration // liveness monitor period
	DisconnectGrace   time.Duration // delay before a disconnected record is removed

	// Persistence (attendance entries and AI query logs; the device registry
	// itself is memory-resident and rebuilt on reconnect)
	DBBackend DatabaseBackend
	DBDSN     string

	// Attendance snapshot storage
	SnapshotBackend SnapshotBackend
	SnapshotRoot    string

	// S3 snapshot storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // for S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // required for MinIO

	// AI providers
	OllamaURL        string
	OllamaModel      string
	AIFallbackURL    string // OpenAI-compatible chat completions endpoint
	AIFallbackKey    string
	AIFallbackModel  string
	AITimeout        time.Duration
	ProviderCooldown time.Duration // how long a failed primary is skipped

	// Distributed event bus (optional)
	RedisEventBusEnabled bool
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	InstanceID           string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("SUPERNODE_ENV", "development"),
		HTTPBind:    getEnv("SUPERNODE_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("SUPERNODE_HTTP_PORT", 5000),
		MetricsBind: getEnv("SUPERNODE_METRICS_BIND", "127.0.0.1:9000"),

		HeartbeatInterval: getEnvDuration("SUPERNODE_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("SUPERNODE_HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:     getEnvDuration("SUPERNODE_SWEEP_INTERVAL", 30*time.Second),
		DisconnectGrace:   getEnvDuration("SUPERNODE_DISCONNECT_GRACE", 30*time.Second),

		DBBackend: DatabaseBackend(getEnv("SUPERNODE_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("SUPERNODE_DB_DSN", "supernode.db"),

		SnapshotBackend: SnapshotBackend(getEnv("SUPERNODE_SNAPSHOT_BACKEND", string(SnapshotFilesystem))),
		SnapshotRoot:    getEnv("SUPERNODE_SNAPSHOT_ROOT", "./snapshots"),

		S3AccessKeyID:     getEnv("SUPERNODE_S3_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretAccessKey: getEnv("SUPERNODE_S3_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Region:          getEnv("SUPERNODE_S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("SUPERNODE_S3_BUCKET", ""),
		S3Endpoint:        getEnv("SUPERNODE_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("SUPERNODE_S3_USE_PATH_STYLE", false),

		OllamaURL:        getEnv("SUPERNODE_OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:      getEnv("SUPERNODE_OLLAMA_MODEL", "phi"),
		AIFallbackURL:    getEnv("SUPERNODE_AI_FALLBACK_URL", ""),
		AIFallbackKey:    getEnv("SUPERNODE_AI_FALLBACK_KEY", ""),
		AIFallbackModel:  getEnv("SUPERNODE_AI_FALLBACK_MODEL", ""),
		AITimeout:        getEnvDuration("SUPERNODE_AI_TIMEOUT", 30*time.Second),
		ProviderCooldown: getEnvDuration("SUPERNODE_AI_PROVIDER_COOLDOWN", 60*time.Second),

		RedisEventBusEnabled: getEnvBool("SUPERNODE_REDIS_EVENTBUS_ENABLED", false),
		RedisAddr:            getEnv("SUPERNODE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("SUPERNODE_REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("SUPERNODE_REDIS_DB", 0),
		InstanceID:           getEnv("SUPERNODE_INSTANCE_ID", ""),

		TracingEnabled:    getEnvBool("SUPERNODE_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("SUPERNODE_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("SUPERNODE_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.SnapshotBackend != SnapshotFilesystem && cfg.SnapshotBackend != SnapshotS3 {
		return nil, fmt.Errorf("unsupported snapshot backend %q", cfg.SnapshotBackend)
	}

	if cfg.SnapshotBackend == SnapshotS3 && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("SUPERNODE_S3_BUCKET must be set when snapshot backend is s3")
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SUPERNODE_DB_DSN must be provided")
	}

	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat timeout (%s) must exceed the heartbeat interval (%s)", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
