// Package config handles loading and managing studiomail configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// RemoteConfig holds the upstream mail API configuration.
type RemoteConfig struct {
	BaseURL      string `toml:"base_url"`       // Mail API base URL
	APIToken     string `toml:"api_token"`      // Bearer token for the mail API
	RateLimitQPS int    `toml:"rate_limit_qps"` // Outbound request budget
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort        int      `toml:"api_port"`         // HTTP server port (default: 8080)
	APIKey         string   `toml:"api_key"`          // API authentication key
	AllowedOrigins []string `toml:"allowed_origins"`  // CORS origin allowlist (default: any)
	RateLimitRPS   float64  `toml:"rate_limit_rps"`   // Per-IP request rate (default: 10)
	RateLimitBurst int      `toml:"rate_limit_burst"` // Per-IP burst size (default: 20)
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	PageSize          int `toml:"page_size"`           // Records per fetch page
	Concurrency       int `toml:"concurrency"`         // Parallel folder syncs
	TombstoneTTLHours int `toml:"tombstone_ttl_hours"` // Tombstone expiry
}

// AccountSchedule defines the sync schedule for a single account.
type AccountSchedule struct {
	AccountID string   `toml:"account_id"` // Mail account identifier
	Folders   []string `toml:"folders"`    // Folders to sync; empty = all physical
	Schedule  string   `toml:"schedule"`   // Cron expression (e.g., "*/5 * * * *")
	Enabled   bool     `toml:"enabled"`    // Whether scheduled sync is active
}

// Config represents the studiomail configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	Remote   RemoteConfig      `toml:"remote"`
	Sync     SyncConfig        `toml:"sync"`
	Server   ServerConfig      `toml:"server"`
	Accounts []AccountSchedule `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// DefaultHome returns the default studiomail home directory.
// Respects STUDIOMAIL_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("STUDIOMAIL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studiomail"
	}
	return filepath.Join(home, ".studiomail")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.studiomail/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Remote: RemoteConfig{
			RateLimitQPS: 5,
		},
		Sync: SyncConfig{
			PageSize:          50,
			Concurrency:       4,
			TombstoneTTLHours: 24,
		},
		Server: ServerConfig{
			APIPort:        8080,
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Accounts: []AccountSchedule{},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	return cfg, nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "studiomail.db")
}

// EnsureHomeDir creates the data directory if it doesn't exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.Data.DataDir, 0o755)
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// GetAccountSchedule returns the schedule for a specific account.
// Returns nil if the account is not configured for scheduling.
func (c *Config) GetAccountSchedule(accountID string) *AccountSchedule {
	for i := range c.Accounts {
		if c.Accounts[i].AccountID == accountID {
			return &c.Accounts[i]
		}
	}
	return nil
}

// SyncFolders resolves an account's configured folder list. Unknown
// names are skipped; an empty list means every physical folder.
func (a *AccountSchedule) SyncFolders() []mail.Folder {
	if len(a.Folders) == 0 {
		return append([]mail.Folder(nil), mail.PhysicalFolders...)
	}
	var out []mail.Folder
	for _, name := range a.Folders {
		f := mail.Folder(name)
		if f.Valid() {
			out = append(out, f)
		}
	}
	return out
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
