package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LODESTONE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDataDir           = "lodestone-data"
	defaultLogLevel          = "info"
	defaultDriver            = ""
	defaultImportConcurrency = 2
	defaultImportMaxRetries  = 3
	defaultImportBaseDelay   = 30 * time.Second
	defaultOutboxInterval    = 15 * time.Second
	defaultStickyTTL         = 6 * time.Hour
)

// AppConfig captures runtime configuration for the storage daemon.
type AppConfig struct {
	HTTPAddress       string
	DataDir           string
	LogLevel          string
	DriverOverride    string
	AuthSigningKey    string
	AdminKey          string
	ImportConcurrency int
	ImportMaxRetries  int
	ImportBaseDelay   time.Duration
	OutboxInterval    time.Duration
	StickyTTL         time.Duration
	SyncTargetURL     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("data.driver", defaultDriver)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("import.concurrency", defaultImportConcurrency)
	configViper.SetDefault("import.max_retries", defaultImportMaxRetries)
	configViper.SetDefault("import.base_delay", defaultImportBaseDelay)
	configViper.SetDefault("outbox.interval", defaultOutboxInterval)
	configViper.SetDefault("fallback.sticky_ttl", defaultStickyTTL)
	configViper.SetDefault("sync.target_url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DataDir:           configViper.GetString("data.dir"),
		LogLevel:          configViper.GetString("log.level"),
		DriverOverride:    configViper.GetString("data.driver"),
		AuthSigningKey:    configViper.GetString("auth.signing_secret"),
		AdminKey:          configViper.GetString("auth.admin_key"),
		ImportConcurrency: configViper.GetInt("import.concurrency"),
		ImportMaxRetries:  configViper.GetInt("import.max_retries"),
		ImportBaseDelay:   configViper.GetDuration("import.base_delay"),
		OutboxInterval:    configViper.GetDuration("outbox.interval"),
		StickyTTL:         configViper.GetDuration("fallback.sticky_ttl"),
		SyncTargetURL:     configViper.GetString("sync.target_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminKey) == "" {
		return fmt.Errorf("auth.admin_key is required")
	}
	switch c.DriverOverride {
	case "", "sqlite", "filestore":
	default:
		return fmt.Errorf("data.driver must be empty, sqlite or filestore")
	}
	return nil
}

// DatabasePath is the sqlite file location under the data directory.
func (c AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "lodestone.db")
}

// SnapshotPath is the fallback store location under the data directory.
func (c AppConfig) SnapshotPath() string {
	return filepath.Join(c.DataDir, "lodestone.json")
}

// PreferencePath is the sticky driver preference location.
func (c AppConfig) PreferencePath() string {
	return filepath.Join(c.DataDir, "driver-preference.json")
}

// LockPath is the leadership lock file location.
func (c AppConfig) LockPath() string {
	return filepath.Join(c.DataDir, "leader.lock")
}
