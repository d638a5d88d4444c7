package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrNoSigningSecret is returned when no token signing secret is configured.
// Token issuance is impossible without one, so startup must abort.
var ErrNoSigningSecret = errors.New("AEGIS_SIGNING_SECRET is not set")

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// SigningSecret is the process-wide secret token signatures derive from.
	SigningSecret string

	// SessionSecret verifies the host application's session JWTs. Kept
	// separate from the token signing secret; when unset every request is
	// treated as anonymous.
	SessionSecret string

	// SecurityLevel is one of "low", "medium", "high".
	SecurityLevel string

	// RedisAddr points at the TTL store for token metadata. Empty means
	// the in-memory fallback store is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AlertURLs is a comma-separated list of shoutrrr URLs notified on
	// high-severity security events.
	AlertURLs string

	// UploadDir receives accepted uploads after renaming.
	UploadDir string
}

// Load reads env vars and falls back to defaults so the server can boot with
// minimal configuration. The signing secret has no default: a process that
// cannot sign tokens must not start.
func Load() (Config, error) {
	cfg := Config{
		Environment:   getEnv("AEGIS_ENV", "development"),
		HTTPPort:      getEnv("AEGIS_HTTP_PORT", "8080"),
		DatabasePath:  getEnv("AEGIS_DB_PATH", filepath.Join("data", "aegis.db")),
		SigningSecret: os.Getenv("AEGIS_SIGNING_SECRET"),
		SessionSecret: os.Getenv("AEGIS_SESSION_SECRET"),
		SecurityLevel: getEnv("AEGIS_SECURITY_LEVEL", "medium"),
		RedisAddr:     os.Getenv("AEGIS_REDIS_ADDR"),
		RedisPassword: os.Getenv("AEGIS_REDIS_PASSWORD"),
		AlertURLs:     os.Getenv("AEGIS_ALERT_URLS"),
		UploadDir:     getEnv("AEGIS_UPLOAD_DIR", filepath.Join("data", "uploads")),
	}

	if raw := os.Getenv("AEGIS_REDIS_DB"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AEGIS_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}

	if cfg.SigningSecret == "" {
		return Config{}, ErrNoSigningSecret
	}

	switch cfg.SecurityLevel {
	case "low", "medium", "high":
	default:
		return Config{}, fmt.Errorf("invalid AEGIS_SECURITY_LEVEL %q", cfg.SecurityLevel)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}
