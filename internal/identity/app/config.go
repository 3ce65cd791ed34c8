package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer   string // Required: issuer claim for tokens
	Audience string // Optional: expected audience on validated tokens

	Algorithm            string        // Optional: JWT signing algorithm (RS256, EdDSA) (default: EdDSA)
	RSABits              int           // Optional: RSA key size for RS256 (default: 2048)
	NumKeys              int           // Optional: number of signing keys to generate (default: 1)
	DatabaseFile         string        // Optional: path to SQLite database file (default: ./identity.db)
	SeedFile             string        // Optional: path to a JSON seed file applied at startup
	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)

	AccessTokenTTL  time.Duration // Default access token lifetime; clients can override
	RefreshTokenTTL time.Duration // Default refresh token lifetime; clients can override
	CodeTTL         time.Duration // Authorization code lifetime (default: 5m)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               os.Getenv("IDENTITY_ISSUER"),
		Audience:             os.Getenv("IDENTITY_AUDIENCE"),
		Algorithm:            getEnvOrDefault("IDENTITY_ALGORITHM", "EdDSA"),
		DatabaseFile:         getEnvOrDefault("IDENTITY_DATABASE_FILE", "identity.db"),
		SeedFile:             os.Getenv("IDENTITY_SEED_FILE"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		AccessTokenTTL:       getEnvDurationOrDefault("IDENTITY_ACCESS_TOKEN_TTL", 0),
		RefreshTokenTTL:      getEnvDurationOrDefault("IDENTITY_REFRESH_TOKEN_TTL", 0),
		CodeTTL:              getEnvDurationOrDefault("IDENTITY_CODE_TTL", 5*time.Minute),
	}

	cfg.RSABits = getEnvIntOrDefault("IDENTITY_RSA_BITS", 0)
	cfg.NumKeys = getEnvIntOrDefault("IDENTITY_NUM_KEYS", 0)

	if cfg.Issuer == "" {
		cfg.Issuer = "tasklight-identity"
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are treated as minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
