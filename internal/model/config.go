package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider identifies the remote mailbox implementation.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// IMAPConfig holds connection settings for IMAP accounts.
// The password is read from the keyring, never from the config file.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// AccountConfig identifies the synced mailbox and the user's own addresses.
type AccountConfig struct {
	// Address is the primary account address.
	Address string `mapstructure:"address" yaml:"address"`

	// Aliases are additional addresses owned by the user.
	Aliases []string `mapstructure:"aliases" yaml:"aliases"`

	Provider Provider   `mapstructure:"provider" yaml:"provider"`
	IMAP     IMAPConfig `mapstructure:"imap" yaml:"imap"`

	// CredentialsDir holds the OAuth client secret for Gmail.
	CredentialsDir string `mapstructure:"credentials_dir" yaml:"credentials_dir"`
}

// AllAddresses returns the primary address followed by the aliases.
func (a AccountConfig) AllAddresses() []string {
	out := make([]string, 0, len(a.Aliases)+1)
	if a.Address != "" {
		out = append(out, a.Address)
	}
	return append(out, a.Aliases...)
}

// StorageConfig locates the local cache database.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// SyncConfig controls the background sync loop.
type SyncConfig struct {
	IntervalSec      int `mapstructure:"interval_sec" yaml:"interval_sec"`
	MergeIntervalSec int `mapstructure:"merge_interval_sec" yaml:"merge_interval_sec"`
	PageSize         int `mapstructure:"page_size" yaml:"page_size"`
}

// ActionsConfig controls the pending action queue.
type ActionsConfig struct {
	MaxRetries              int `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBaseMs           int `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMs            int `mapstructure:"backoff_cap_ms" yaml:"backoff_cap_ms"`
	DrainIntervalSec        int `mapstructure:"drain_interval_sec" yaml:"drain_interval_sec"`
	CompletedRetentionHours int `mapstructure:"completed_retention_hours" yaml:"completed_retention_hours"`
}

// BackoffBase returns the base drain backoff.
func (c ActionsConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the maximum drain backoff.
func (c ActionsConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

// CacheConfig bounds the in-memory conversation cache.
type CacheConfig struct {
	MaxItems         int   `mapstructure:"max_items" yaml:"max_items"`
	MaxBytes         int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
	TTLSec           int   `mapstructure:"ttl_sec" yaml:"ttl_sec"`
	SweepIntervalSec int   `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// InflightConfig bounds the coordinator's recently-failed key set.
type InflightConfig struct {
	FailedKeys   int `mapstructure:"failed_keys" yaml:"failed_keys"`
	FailedTTLSec int `mapstructure:"failed_ttl_sec" yaml:"failed_ttl_sec"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account  AccountConfig  `mapstructure:"account" yaml:"account"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Actions  ActionsConfig  `mapstructure:"actions" yaml:"actions"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Inflight InflightConfig `mapstructure:"inflight" yaml:"inflight"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// configDir returns ~/.config/mailcache, or "." if the home directory is unknown.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailcache")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailcache/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Account: AccountConfig{
			Provider:       ProviderGmail,
			CredentialsDir: configDir(),
			IMAP:           IMAPConfig{Port: "993", TLS: true},
		},
		Storage: StorageConfig{DBPath: filepath.Join(configDir(), "mailcache.db")},
		Sync: SyncConfig{
			IntervalSec:      60,
			MergeIntervalSec: 300,
			PageSize:         100,
		},
		Actions: ActionsConfig{
			MaxRetries:              5,
			BackoffBaseMs:           1000,
			BackoffCapMs:            60000,
			DrainIntervalSec:        30,
			CompletedRetentionHours: 24,
		},
		Cache: CacheConfig{
			MaxItems:         500,
			MaxBytes:         32 << 20,
			TTLSec:           600,
			SweepIntervalSec: 60,
		},
		Inflight: InflightConfig{
			FailedKeys:   256,
			FailedTTLSec: 30,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// setDefaults mirrors defaultAppConfig into v so environment overrides
// resolve even for keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("account.provider", string(d.Account.Provider))
	v.SetDefault("account.credentials_dir", d.Account.CredentialsDir)
	v.SetDefault("account.imap.port", d.Account.IMAP.Port)
	v.SetDefault("account.imap.tls", d.Account.IMAP.TLS)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("sync.interval_sec", d.Sync.IntervalSec)
	v.SetDefault("sync.merge_interval_sec", d.Sync.MergeIntervalSec)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("actions.max_retries", d.Actions.MaxRetries)
	v.SetDefault("actions.backoff_base_ms", d.Actions.BackoffBaseMs)
	v.SetDefault("actions.backoff_cap_ms", d.Actions.BackoffCapMs)
	v.SetDefault("actions.drain_interval_sec", d.Actions.DrainIntervalSec)
	v.SetDefault("actions.completed_retention_hours", d.Actions.CompletedRetentionHours)
	v.SetDefault("cache.max_items", d.Cache.MaxItems)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.ttl_sec", d.Cache.TTLSec)
	v.SetDefault("cache.sweep_interval_sec", d.Cache.SweepIntervalSec)
	v.SetDefault("inflight.failed_keys", d.Inflight.FailedKeys)
	v.SetDefault("inflight.failed_ttl_sec", d.Inflight.FailedTTLSec)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Values may be overridden with MAILCACHE_-prefixed environment variables
// (e.g. MAILCACHE_ACCOUNT_ADDRESS). If the file does not exist, defaults
// plus the environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailcache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("account.address")
	_ = v.BindEnv("account.aliases")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Actions.MaxRetries < 1 {
		cfg.Actions.MaxRetries = 1
	}
	if cfg.Sync.IntervalSec <= 0 {
		cfg.Sync.IntervalSec = 60
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("storage", cfg.Storage)
	v.Set("sync", cfg.Sync)
	v.Set("actions", cfg.Actions)
	v.Set("cache", cfg.Cache)
	v.Set("inflight", cfg.Inflight)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
