package config

import (
	"log/slog"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnvs(t, map[string]string{"DEV_MODE": "", "STORE_BACKEND": "", "CHUNK_SIZE": ""})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StoreBackend != BackendDynamoDB {
		t.Errorf("StoreBackend = %q, want dynamodb", cfg.StoreBackend)
	}
	if cfg.RandomSource != RandomKMS {
		t.Errorf("RandomSource = %q, want kms", cfg.RandomSource)
	}
	if cfg.ChunkSize != 350*1024 {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, 350*1024)
	}
	if cfg.TxMaxAttempts != 5 {
		t.Errorf("TxMaxAttempts = %d, want 5", cfg.TxMaxAttempts)
	}
	if cfg.SessionTTL != 7*24*time.Hour {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("unexpected log settings: %v %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.JWTSecretParam != "/polygraf/jwt-secret" {
		t.Errorf("JWTSecretParam = %q", cfg.JWTSecretParam)
	}
}

func TestLoad_DevMode(t *testing.T) {
	setEnvs(t, map[string]string{"DEV_MODE": "true", "STORE_BACKEND": "", "RANDOM_SOURCE": "", "GOOGLE_REDIRECT_URL": ""})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StoreBackend != BackendMemory || cfg.RandomSource != RandomSystem {
		t.Errorf("dev defaults not applied: %q %q", cfg.StoreBackend, cfg.RandomSource)
	}
	if cfg.GoogleRedirectURL != "http://localhost:8080/auth/callback" {
		t.Errorf("GoogleRedirectURL = %q", cfg.GoogleRedirectURL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"STORE_BACKEND":   "postgres",
		"DATABASE_URL":    "postgres://u:p@localhost:5432/polygraf",
		"CHUNK_SIZE":      "1024",
		"TX_MAX_ATTEMPTS": "9",
		"SESSION_TTL":     "2h",
		"ADMIN_EMAILS":    " Ops@Example.com, ,root@example.com",
		"LOG_LEVEL":       "debug",
		"LOG_FORMAT":      "text",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChunkSize != 1024 || cfg.TxMaxAttempts != 9 || cfg.SessionTTL != 2*time.Hour {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AdminEmails) != 2 {
		t.Fatalf("AdminEmails = %v", cfg.AdminEmails)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []map[string]string{
		{"STORE_BACKEND": "sqlite"},
		{"STORE_BACKEND": "postgres", "DATABASE_URL": ""},
		{"STORE_BACKEND": "dynamodb", "CHUNK_SIZE": "409600"},
		{"CHUNK_SIZE": "0"},
		{"CHUNK_SIZE": "abc"},
		{"TX_MAX_ATTEMPTS": "0"},
		{"SESSION_TTL": "forever"},
		{"RANDOM_SOURCE": "dice"},
		{"LOG_LEVEL": "loud"},
		{"LOG_FORMAT": "xml"},
	}
	for _, envs := range cases {
		t.Run("", func(t *testing.T) {
			setEnvs(t, envs)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %v", envs)
			}
		})
	}
}
