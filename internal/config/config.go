package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the local HTTP API configuration
type ServerConfig struct {
	Addr string
}

// RedisConfig holds the durable local store connection configuration
type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	KeyPrefix string
}

// BackendConfig holds marketplace backend endpoints
type BackendConfig struct {
	APIURL         string
	WSURL          string
	RequestTimeout time.Duration
}

// ConnectionConfig tunes the real-time channel
type ConnectionConfig struct {
	DialTimeout          time.Duration
	PingInterval         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
}

// StoreConfig bounds the offline buffers
type StoreConfig struct {
	MaxPendingItems int
	MaxCacheItems   int
	MaxQueueItems   int
	MaxCacheAge     time.Duration
	MaxStorageBytes int
}

// SyncConfig tunes the sync coordinator
type SyncConfig struct {
	Interval         time.Duration
	MaxDrainAttempts int
	HistorySize      int
}

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Backend    BackendConfig
	Connection ConnectionConfig
	Store      StoreConfig
	Sync       SyncConfig
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: getEnv("SERVER_ADDR", ":8090"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "codesync:"),
		},
		Backend: BackendConfig{
			APIURL:         getEnv("BACKEND_API_URL", "http://localhost:8000/api/v1"),
			WSURL:          getEnv("BACKEND_WS_URL", "ws://localhost:8000/ws"),
			RequestTimeout: getEnvDuration("BACKEND_TIMEOUT", 15*time.Second),
		},
		Connection: ConnectionConfig{
			DialTimeout:          getEnvDuration("WS_DIAL_TIMEOUT", 10*time.Second),
			PingInterval:         getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
			BackoffBase:          getEnvDuration("WS_BACKOFF_BASE", 1*time.Second),
			BackoffCap:           getEnvDuration("WS_BACKOFF_CAP", 30*time.Second),
			MaxReconnectAttempts: getEnvInt("WS_MAX_RECONNECTS", 5),
		},
		Store: StoreConfig{
			MaxPendingItems: getEnvInt("STORE_MAX_PENDING", 50),
			MaxCacheItems:   getEnvInt("STORE_MAX_CACHE", 50),
			MaxQueueItems:   getEnvInt("STORE_MAX_QUEUE", 25),
			MaxCacheAge:     getEnvDuration("STORE_MAX_CACHE_AGE", 72*time.Hour),
			MaxStorageBytes: getEnvInt("STORE_MAX_BYTES", 4*1024*1024),
		},
		Sync: SyncConfig{
			Interval:         getEnvDuration("SYNC_INTERVAL", 60*time.Second),
			MaxDrainAttempts: getEnvInt("SYNC_MAX_DRAIN_ATTEMPTS", 10),
			HistorySize:      getEnvInt("SYNC_HISTORY_SIZE", 50),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
