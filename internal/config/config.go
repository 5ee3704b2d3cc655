package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// バックエンド名
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend は使用するアダプター（memory, postgres, sqlite, mongo, redis）。
	Backend string

	// Postgres
	DatabaseURL string

	// SQLite
	SQLitePath string

	// MongoDB
	MongoURI      string
	MongoDatabase string

	// Redis
	RedisURL string

	// Server
	ServerPort string

	// Cleanup
	CleanupInterval time.Duration

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 選択したバックエンドの必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		Backend:         strings.ToLower(getEnvString("AUTHSTORE_BACKEND", BackendMemory)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getEnvString("SQLITE_PATH", "authstore.db"),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   getEnvString("MONGODB_DATABASE", "authstore"),
		RedisURL:        os.Getenv("REDIS_URL"),
		ServerPort:      getEnvString("SERVER_PORT", "8080"),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
	}

	// Required fields
	var missing []string

	switch cfg.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case BackendMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGODB_URI")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unknown AUTHSTORE_BACKEND: %q", cfg.Backend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
