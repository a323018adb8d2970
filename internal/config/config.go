package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Vault    VaultConfig
	Provider ProviderConfig
	Sync     SyncConfig
	Log      LogConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// VaultConfig selects the credential cipher and its secret. When Key is empty
// the secret is read from (or generated into) KeyFile.
type VaultConfig struct {
	Key     string
	KeyFile string `mapstructure:"key_file"`
	Cipher  string
}

// ProviderConfig holds bank aggregator settings.
type ProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration
	RateLimit    float64 `mapstructure:"rate_limit"`
	Burst        int
}

type SyncConfig struct {
	WindowDays  int           `mapstructure:"window_days"`
	Concurrency int
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from file and env. Env var overrides use prefix BANKSYNC_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	home := os.Getenv("HOME")
	v.SetDefault("database.path", filepath.Join(home, ".local", "share", "banksync", "banksync.db"))
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("vault.key", "")
	v.SetDefault("vault.key_file", filepath.Join(home, ".config", "banksync", "vault.key"))
	v.SetDefault("vault.cipher", "aes-gcm")
	v.SetDefault("provider.base_url", "https://vbank.open.bankingapi.ru")
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.timeout", "25s")
	v.SetDefault("provider.rate_limit", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("sync.window_days", 30)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.run_timeout", "5m")
	v.SetDefault("sync.stale_after", "15m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("BANKSYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(home, ".config", "banksync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("BANKSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.Timeout < 20*time.Second || c.Provider.Timeout > 30*time.Second {
		errs = append(errs, fmt.Errorf("provider.timeout must be between 20s and 30s, got %s", c.Provider.Timeout))
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, errors.New("provider.rate_limit must not be negative"))
	}
	if c.Sync.WindowDays < 1 {
		errs = append(errs, errors.New("sync.window_days must be at least 1"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync.concurrency must be at least 1"))
	}
	if c.Sync.StaleAfter <= c.Provider.Timeout {
		errs = append(errs, errors.New("sync.stale_after must exceed provider.timeout"))
	}
	if c.Vault.Key == "" && c.Vault.KeyFile == "" {
		errs = append(errs, errors.New("one of vault.key or vault.key_file is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SyncWindow is the trailing transaction window as a duration.
func (c SyncConfig) SyncWindow() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}
