package config

import (
	"os"
	"strconv"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if addr := os.Getenv("BULWARK_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
	if port := os.Getenv("BULWARK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Address = ":" + strconv.Itoa(p)
		}
	}

	if logLevel := os.Getenv("BULWARK_LOG_LEVEL"); logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat := os.Getenv("BULWARK_LOG_FORMAT"); logFormat != "" {
		cfg.Log.Format = logFormat
	}

	// Secrets and endpoints usually come from the deployment
	if dsn := os.Getenv("BULWARK_POSTGRES_DSN"); dsn != "" {
		cfg.Store.Postgres.DSN = dsn
	}
	if url := os.Getenv("BULWARK_REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
	}
	if url := os.Getenv("BULWARK_NATS_URL"); url != "" {
		cfg.Notify.NATS.URL = url
	}
	if secret := os.Getenv("BULWARK_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if dir := os.Getenv("BULWARK_RUNBOOKS_DIR"); dir != "" {
		cfg.Runbooks.Dir = dir
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
