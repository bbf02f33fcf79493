package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.DatabasePath != "relaysync.db" {
		t.Fatalf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.PresenceStreamEnabled {
		t.Fatalf("expected presence stream disabled by default")
	}
	if cfg.ChangeCleanupInterval != 6*time.Hour {
		t.Fatalf("expected default cleanup interval 6h, got %v", cfg.ChangeCleanupInterval)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
}

func TestLoadConfigFromEnv_InvalidPort(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "0"}); err == nil {
		t.Fatalf("expected error for port 0")
	}
	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "abc"}); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}

func TestLoadConfigFromEnv_SyncSwitches(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":              "x",
		"DATABASE_PATH":              "/tmp/sync.db",
		"INSTANCE_ID":                "node-1",
		"PRESENCE_STREAM_ENABLED":    "true",
		"PRESENCE_STREAM_MAXLEN":     "5000",
		"SOCKET_ROOMS_ONLY":          "1",
		"CHANGE_CLEANUP":             "true",
		"CHANGE_CLEANUP_INTERVAL_MS": "60000",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabasePath != "/tmp/sync.db" {
		t.Fatalf("database path not applied: %q", cfg.DatabasePath)
	}
	if cfg.InstanceID != "node-1" {
		t.Fatalf("instance id not applied: %q", cfg.InstanceID)
	}
	if !cfg.PresenceStreamEnabled || cfg.PresenceStreamMaxLen != 5000 {
		t.Fatalf("presence stream settings not applied: %+v", cfg)
	}
	if !cfg.SocketRoomsOnly {
		t.Fatalf("rooms-only not applied")
	}
	if !cfg.ChangeCleanupEnabled || cfg.ChangeCleanupInterval != time.Minute {
		t.Fatalf("cleanup settings not applied: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_CleanupIntervalFloor(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":              "x",
		"CHANGE_CLEANUP_INTERVAL_MS": "500",
	})
	if err == nil {
		t.Fatalf("expected error for sub-floor cleanup interval")
	}
}
