// Package config loads the YAML configuration shared by the migrator and its helper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

type Config struct {
	Helper    HelperConfig              `yaml:"helper"`
	Migration MigrationConfig           `yaml:"migration"`
	Portal    PortalConfig              `yaml:"portal"`
	FileVault FileVaultConfig           `yaml:"filevault"`
	Logging   LoggingConfig             `yaml:"logging"`
	Vendors   []models.VendorDefinition `yaml:"vendors"`
}

type HelperConfig struct {
	Label           string `yaml:"label"`
	SocketPath      string `yaml:"socket_path"`
	BinaryPath      string `yaml:"binary_path"`
	SourceBinary    string `yaml:"source_binary"`
	PlistPath       string `yaml:"plist_path"`
	ConfigPath      string `yaml:"config_path"`
	ExpectedVersion string `yaml:"expected_version"`
	TokenPath       string `yaml:"token_path"`
	TokenHashPath   string `yaml:"token_hash_path"`
	DatabasePath    string `yaml:"database_path"`
	RequestTimeout  string `yaml:"request_timeout"`
	CommandTimeout  string `yaml:"command_timeout"`
}

type MigrationConfig struct {
	TargetVendor       string `yaml:"target_vendor"`
	TenantName         string `yaml:"tenant_name"`
	BackupDir          string `yaml:"backup_dir"`
	LockPath           string `yaml:"lock_path"`
	StrictPreflight    *bool  `yaml:"strict_preflight"`
	MinimumOSVersion   string `yaml:"minimum_os_version"`
	EnrollPollInterval string `yaml:"enroll_poll_interval"`
	EnrollPollAttempts int    `yaml:"enroll_poll_attempts"`
	EnrollSettleDelay  string `yaml:"enroll_settle_delay"`
}

type PortalConfig struct {
	DownloadURL       string `yaml:"download_url"`
	AppPath           string `yaml:"app_path"`
	PreferencesDomain string `yaml:"preferences_domain"`
}

type FileVaultConfig struct {
	RotationTimeout string `yaml:"rotation_timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Debug      bool   `yaml:"debug"`
	Dir        string `yaml:"dir"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TokenFile is where the migrator keeps its copy of the helper token. It
// defaults to the user's config directory so the unprivileged app can read it.
func (c *HelperConfig) TokenFile() string {
	if c.TokenPath != "" {
		return c.TokenPath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "MDMMigrate", "helper.token")
}

func (c *HelperConfig) GetRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, 30*time.Second)
}

func (c *HelperConfig) GetCommandTimeout() time.Duration {
	return parseDuration(c.CommandTimeout, 120*time.Second)
}

func (c *MigrationConfig) GetEnrollPollInterval() time.Duration {
	return parseDuration(c.EnrollPollInterval, 10*time.Second)
}

func (c *MigrationConfig) GetEnrollSettleDelay() time.Duration {
	return parseDuration(c.EnrollSettleDelay, 5*time.Second)
}

// IsStrictPreflight reports whether every configuration input is validated
// before the first destructive step. Defaults to true.
func (c *MigrationConfig) IsStrictPreflight() bool {
	if c.StrictPreflight == nil {
		return true
	}
	return *c.StrictPreflight
}

func (c *FileVaultConfig) GetRotationTimeout() time.Duration {
	return parseDuration(c.RotationTimeout, 180*time.Second)
}

// LogPath returns the full path of the log file, or "" when file logging is off.
func (c *LoggingConfig) LogPath() string {
	if c.Dir == "" || c.File == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.File)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load reads the config at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Migration.TargetVendor == "" {
		return &models.ConfigError{Field: "migration.target_vendor", Message: "target vendor is required"}
	}
	if !filepath.IsAbs(c.Helper.SocketPath) {
		return &models.ConfigError{Field: "helper.socket_path", Message: "helper socket path must be absolute"}
	}
	if c.Migration.EnrollPollAttempts < 1 {
		return &models.ConfigError{Field: "migration.enroll_poll_attempts", Message: "enroll poll attempts must be positive"}
	}
	for _, v := range c.Vendors {
		if v.Identifier == "" {
			return &models.ConfigError{Field: "vendors", Message: "vendor definition without id"}
		}
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Helper.Label == "" {
		cfg.Helper.Label = "com.mdmmigrate.helper"
	}
	if cfg.Helper.SocketPath == "" {
		cfg.Helper.SocketPath = "/var/run/com.mdmmigrate.helper.sock"
	}
	if cfg.Helper.BinaryPath == "" {
		cfg.Helper.BinaryPath = "/Library/PrivilegedHelperTools/com.mdmmigrate.helper"
	}
	if cfg.Helper.PlistPath == "" {
		cfg.Helper.PlistPath = "/Library/LaunchDaemons/com.mdmmigrate.helper.plist"
	}
	if cfg.Helper.ConfigPath == "" {
		cfg.Helper.ConfigPath = "/Library/Application Support/MDMMigrate/config.yaml"
	}
	if cfg.Helper.TokenHashPath == "" {
		cfg.Helper.TokenHashPath = "/Library/Application Support/MDMMigrate/helper.token.hash"
	}
	if cfg.Helper.DatabasePath == "" {
		cfg.Helper.DatabasePath = "/Library/Application Support/MDMMigrate/helper.db"
	}
	if cfg.Helper.RequestTimeout == "" {
		cfg.Helper.RequestTimeout = "30s"
	}
	if cfg.Helper.CommandTimeout == "" {
		cfg.Helper.CommandTimeout = "120s"
	}
	if cfg.Migration.TargetVendor == "" {
		cfg.Migration.TargetVendor = "intune"
	}
	if cfg.Migration.BackupDir == "" {
		cfg.Migration.BackupDir = "/Library/Application Support/MDMMigrate/Backups"
	}
	if cfg.Migration.LockPath == "" {
		// Shared by every user on the host.
		cfg.Migration.LockPath = "/tmp/com.mdmmigrate.migrator.lock"
	}
	if cfg.Migration.MinimumOSVersion == "" {
		cfg.Migration.MinimumOSVersion = "12.0"
	}
	if cfg.Migration.EnrollPollInterval == "" {
		cfg.Migration.EnrollPollInterval = "10s"
	}
	if cfg.Migration.EnrollPollAttempts == 0 {
		cfg.Migration.EnrollPollAttempts = 18
	}
	if cfg.Migration.EnrollSettleDelay == "" {
		cfg.Migration.EnrollSettleDelay = "5s"
	}
	if cfg.Portal.DownloadURL == "" {
		cfg.Portal.DownloadURL = "https://go.microsoft.com/fwlink/?linkid=853070"
	}
	if cfg.Portal.AppPath == "" {
		cfg.Portal.AppPath = "/Applications/Company Portal.app"
	}
	if cfg.Portal.PreferencesDomain == "" {
		cfg.Portal.PreferencesDomain = "com.microsoft.CompanyPortalMac"
	}
	if cfg.FileVault.RotationTimeout == "" {
		cfg.FileVault.RotationTimeout = "180s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "/Library/Logs/MDMMigrate"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = "migrator.log"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
}
