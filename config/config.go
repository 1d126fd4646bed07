// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseURL           string
	DatabaseURLCiphertext string
	KMSKeyName            string
	GoogleCloudProject    string
	LogLevel              string

	MigrationsDir string
	VersionTable  string
	TxPerStep     bool

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:                  getEnv("PORT", "8080"),
		DatabaseDriver:        os.Getenv("DATABASE_DRIVER"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseURLCiphertext: os.Getenv("DATABASE_URL_CIPHERTEXT"),
		KMSKeyName:            os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject:    os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:              getEnv("LOG_LEVEL", "INFO"),
		MigrationsDir:         getEnv("MIGRATIONS_DIR", "./migrations"),
		VersionTable:          getEnv("VERSION_TABLE", "_schema_version"),
		TxPerStep:             getEnvBool("MIGRATION_TX_PER_STEP", true),
		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "schema-migrator"),
		OtelSamplingRate:      getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
