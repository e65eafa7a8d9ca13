package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Server.Addr != ":8090" {
		t.Errorf("Server.Addr = %q, want :8090", cfg.Server.Addr)
	}
	if cfg.Redis.KeyPrefix != "codesync:" {
		t.Errorf("Redis.KeyPrefix = %q, want codesync:", cfg.Redis.KeyPrefix)
	}
	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.Connection.PingInterval)
	}
	if cfg.Connection.BackoffCap != 30*time.Second {
		t.Errorf("BackoffCap = %v, want 30s", cfg.Connection.BackoffCap)
	}
	if cfg.Store.MaxPendingItems != 50 {
		t.Errorf("MaxPendingItems = %d, want 50", cfg.Store.MaxPendingItems)
	}
	if cfg.Store.MaxCacheAge != 72*time.Hour {
		t.Errorf("MaxCacheAge = %v, want 72h", cfg.Store.MaxCacheAge)
	}
	if cfg.Store.MaxStorageBytes != 4*1024*1024 {
		t.Errorf("MaxStorageBytes = %d, want 4MiB", cfg.Store.MaxStorageBytes)
	}
	if cfg.Sync.HistorySize != 50 {
		t.Errorf("HistorySize = %d, want 50", cfg.Sync.HistorySize)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("WS_MAX_RECONNECTS", "8")
	t.Setenv("WS_PING_INTERVAL", "10s")
	t.Setenv("STORE_MAX_PENDING", "25")

	cfg := LoadConfig()

	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %q, want :9999", cfg.Server.Addr)
	}
	if cfg.Connection.MaxReconnectAttempts != 8 {
		t.Errorf("MaxReconnectAttempts = %d, want 8", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want 10s", cfg.Connection.PingInterval)
	}
	if cfg.Store.MaxPendingItems != 25 {
		t.Errorf("MaxPendingItems = %d, want 25", cfg.Store.MaxPendingItems)
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WS_MAX_RECONNECTS", "not-a-number")
	t.Setenv("WS_PING_INTERVAL", "soon")

	cfg := LoadConfig()

	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want default 5 for invalid value", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want default 30s for invalid value", cfg.Connection.PingInterval)
	}
}
