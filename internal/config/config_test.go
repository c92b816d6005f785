package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with defaults: %v", err)
	}

	if cfg.HTTPPort != 5000 {
		t.Errorf("expected default port 5000, got %d", cfg.HTTPPort)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Errorf("expected sqlite default backend, got %s", cfg.DBBackend)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat interval, got %s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("expected 90s heartbeat timeout, got %s", cfg.HeartbeatTimeout)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	t.Setenv("SUPERNODE_DB_BACKEND", "mongodb")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported database backend")
	}
}

func TestLoadRejectsTimeoutBelowInterval(t *testing.T) {
	t.Setenv("SUPERNODE_HEARTBEAT_INTERVAL", "60s")
	t.Setenv("SUPERNODE_HEARTBEAT_TIMEOUT", "45s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when timeout does not exceed interval")
	}
}

func TestLoadS3RequiresBucket(t *testing.T) {
	t.Setenv("SUPERNODE_SNAPSHOT_BACKEND", "s3")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when s3 backend has no bucket")
	}
}
