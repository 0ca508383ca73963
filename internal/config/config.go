// Package config loads service configuration from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the runtime configuration of the service.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string

	Store       string
	SQLitePath  string
	PostgresDSN string

	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret string
	// AdminTokenHash is a bcrypt hash of the admin token; empty disables admin routes.
	AdminTokenHash string
	// AllowedOrigins are origin patterns (wildcards allowed) for CORS and WebSockets.
	AllowedOrigins []string

	// PlansFile optionally replaces the built-in plan catalog.
	PlansFile string

	GeminiAPIKey string
	GeminiModel  string
	VideoModel   string

	LogLevel  string
	LogFormat string

	// ExpirySweep is how often lapsed subscriptions are expired.
	ExpirySweep time.Duration

	// EnvFile is the .env file read from DataDir, if it existed.
	EnvFile string
}

// Load reads $CODEX_DATA_DIR/.env and ./.env, applies defaults, then overrides
// from the process environment.
func Load() (*Config, error) {
	dataDir := "./data"
	if dir := os.Getenv("CODEX_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	cfg := &Config{
		DataDir:     dataDir,
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Store:       StoreMemory,
		SQLitePath:  filepath.Join(dataDir, "codex.db"),
		GeminiModel: "gemini-2.0-flash",
		VideoModel:  "veo-2.0-generate-001",
		LogLevel:    "info",
		LogFormat:   "auto",
		ExpirySweep: time.Minute,
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			cfg.EnvFile = envFile
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	setString(&cfg.ListenAddr, "CODEX_LISTEN_ADDR")
	setString(&cfg.MetricsAddr, "CODEX_METRICS_ADDR")
	setString(&cfg.Store, "CODEX_STORE")
	setString(&cfg.SQLitePath, "CODEX_SQLITE_PATH")
	setString(&cfg.PostgresDSN, "CODEX_POSTGRES_DSN")
	setString(&cfg.JWTSecret, "CODEX_JWT_SECRET")
	setString(&cfg.AdminTokenHash, "CODEX_ADMIN_TOKEN_HASH")
	setString(&cfg.PlansFile, "CODEX_PLANS_FILE")
	setString(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.GeminiModel, "CODEX_GEMINI_MODEL")
	setString(&cfg.VideoModel, "CODEX_VIDEO_MODEL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	cfg.Store = strings.ToLower(cfg.Store)

	if v := strings.TrimSpace(os.Getenv("CODEX_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("CODEX_EXPIRY_SWEEP")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CODEX_EXPIRY_SWEEP: %w", err)
		}
		cfg.ExpirySweep = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("CODEX_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("CODEX_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("CODEX_STORE %q is not one of memory, sqlite, postgres", c.Store))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("CODEX_JWT_SECRET must be at least 32 characters"))
	}
	if c.AdminTokenHash != "" && !strings.HasPrefix(c.AdminTokenHash, "$2") {
		errs = append(errs, errors.New("CODEX_ADMIN_TOKEN_HASH must be a bcrypt hash"))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("CODEX_LISTEN_ADDR %q: %w", c.ListenAddr, err))
	}
	if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
		errs = append(errs, fmt.Errorf("CODEX_METRICS_ADDR %q: %w", c.MetricsAddr, err))
	}
	if c.ExpirySweep <= 0 {
		errs = append(errs, errors.New("CODEX_EXPIRY_SWEEP must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = strings.Trim(v, "'\"")
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
