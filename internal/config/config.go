package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for weft.
type Config struct {
	// Homeserver base URL, e.g. https://matrix.example.org (required).
	HomeserverURL string `env:"WEFT_HOMESERVER_URL"`

	// Access token for the client-server API (required).
	AccessToken string `env:"WEFT_ACCESS_TOKEN"`

	// Fully qualified user id this client acts as, e.g. @alice:example.org
	// (required).
	UserID string `env:"WEFT_USER_ID"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"WEFT_DEVICE_NAME"`

	// Path of the bbolt database file. Defaults to ~/.weft/<user>/weft.db.
	DatabasePath string `env:"WEFT_DB_PATH"`

	// Key backup recovery. When the passphrase is set, sessions missing
	// from local storage are restored from the server-held backup.
	BackupPassphrase string `env:"WEFT_BACKUP_PASSPHRASE"`
	BackupVersion    string `env:"WEFT_BACKUP_VERSION"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "weft"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DatabasePath == "" {
		path, err := defaultDatabasePath(cfg.UserID)
		if err != nil {
			return nil, err
		}

		cfg.DatabasePath = path
	}

	absPath, err := filepath.Abs(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	cfg.DatabasePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("WEFT_HOMESERVER_URL is required")
	}

	parsed, err := url.Parse(c.HomeserverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("WEFT_HOMESERVER_URL is not a valid URL")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("WEFT_ACCESS_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("WEFT_USER_ID is required")
	}

	if !strings.HasPrefix(c.UserID, "@") || !strings.Contains(c.UserID, ":") {
		return fmt.Errorf("WEFT_USER_ID must be fully qualified, e.g. @alice:example.org")
	}

	if c.BackupPassphrase != "" && c.BackupVersion == "" {
		return fmt.Errorf("WEFT_BACKUP_VERSION is required when WEFT_BACKUP_PASSPHRASE is set")
	}

	return nil
}

// defaultDatabasePath returns the default database location for a user:
// ~/.weft/<localpart>/weft.db
func defaultDatabasePath(userID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	localpart := strings.TrimPrefix(userID, "@")
	if idx := strings.Index(localpart, ":"); idx >= 0 {
		localpart = localpart[:idx]
	}

	return filepath.Join(home, ".weft", localpart, "weft.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
