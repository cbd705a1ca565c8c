// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jun/polygraf/internal/logging"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Random sources for key generation.
const (
	RandomKMS    = "kms"
	RandomSystem = "system"
)

// Config is the service configuration.
type Config struct {
	DevMode bool

	StoreBackend  string
	TableName     string
	DatabaseURL   string
	ChunkSize     int
	TxMaxAttempts int

	SessionTTL  time.Duration
	GuestKey    string
	AdminEmails []string

	RandomSource          string
	KMSCustomKeyStoreID   string
	JWTSecretParam        string
	GoogleSecretParam     string
	APIGatewaySecretParam string
	GoogleClientID        string
	GoogleRedirectURL     string

	LogLevel  slog.Level
	LogFormat string

	FrontendURL string
	HTTPAddr    string
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	defaultBackend, defaultRandom := BackendDynamoDB, RandomKMS
	if cfg.DevMode {
		defaultBackend, defaultRandom = BackendMemory, RandomSystem
	}

	cfg.StoreBackend = getEnvDefault("STORE_BACKEND", defaultBackend)
	switch cfg.StoreBackend {
	case BackendDynamoDB, BackendPostgres, BackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND: invalid value %q, expected dynamodb, postgres or memory", cfg.StoreBackend)
	}
	cfg.TableName = getEnvDefault("TABLE_NAME", "Polygraf")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL: required when STORE_BACKEND=postgres")
	}

	cfg.ChunkSize, err = getEnvInt("CHUNK_SIZE", 350*1024)
	if err != nil {
		return nil, fmt.Errorf("CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE: must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.StoreBackend == BackendDynamoDB && cfg.ChunkSize > 380*1024 {
		return nil, fmt.Errorf("CHUNK_SIZE: %d leaves no room for attributes under the 400 KB item limit", cfg.ChunkSize)
	}

	cfg.TxMaxAttempts, err = getEnvInt("TX_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("TX_MAX_ATTEMPTS: %w", err)
	}
	if cfg.TxMaxAttempts < 1 {
		return nil, fmt.Errorf("TX_MAX_ATTEMPTS: must be at least 1, got %d", cfg.TxMaxAttempts)
	}

	cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SESSION_TTL: %w", err)
	}
	cfg.GuestKey = os.Getenv("GUEST_KEY")
	cfg.AdminEmails = parseCSV(strings.ToLower(os.Getenv("ADMIN_EMAILS")))

	cfg.RandomSource = getEnvDefault("RANDOM_SOURCE", defaultRandom)
	if cfg.RandomSource != RandomKMS && cfg.RandomSource != RandomSystem {
		return nil, fmt.Errorf("RANDOM_SOURCE: invalid value %q, expected kms or system", cfg.RandomSource)
	}
	cfg.KMSCustomKeyStoreID = os.Getenv("KMS_CUSTOM_KEY_STORE_ID")

	cfg.JWTSecretParam = getEnvDefault("JWT_SECRET_PARAM", "/polygraf/jwt-secret")
	cfg.GoogleSecretParam = getEnvDefault("GOOGLE_CLIENT_SECRET_PARAM", "/polygraf/google-client-secret")
	cfg.APIGatewaySecretParam = getEnvDefault("API_GATEWAY_SECRET_PARAM", "/polygraf/api-gateway-secret")
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")

	cfg.FrontendURL = getEnvDefault("FRONTEND_URL", "http://localhost:3000")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		if cfg.DevMode {
			cfg.GoogleRedirectURL = "http://localhost:8080/auth/callback"
		} else {
			cfg.GoogleRedirectURL = cfg.FrontendURL + "/api/auth/callback"
		}
	}

	cfg.LogLevel, err = logging.ParseLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT: invalid value %q, expected json or text", cfg.LogFormat)
	}

	cfg.HTTPAddr = getEnvDefault("HTTP_ADDR", ":8080")

	return cfg, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use Go syntax: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseCSV splits a comma-separated list, trimming spaces and dropping
// empty elements.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
