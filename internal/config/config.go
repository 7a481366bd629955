package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/retry"
)

// Config represents the root configuration structure
type Config struct {
	Profiles   []profile.Profile `mapstructure:"profiles"`
	Connection ConnectionConfig  `mapstructure:"connection"`
	Pool       PoolConfig        `mapstructure:"pool"`
	Tunnel     TunnelConfig      `mapstructure:"tunnel"`
	Statement  StatementConfig   `mapstructure:"statement"`
	Metadata   MetadataConfig    `mapstructure:"metadata"`
	Export     ExportConfig      `mapstructure:"export"`
	History    HistoryConfig     `mapstructure:"history"`
	Log        LogConfig         `mapstructure:"log"`
}

// ConnectionConfig bounds session establishment.
type ConnectionConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
}

// Retry returns the establishment retry policy.
func (c ConnectionConfig) Retry() retry.Policy {
	return retry.Policy{MaxAttempts: c.MaxAttempts, InitialDelay: c.InitialDelay, MaxDelay: c.MaxDelay}
}

// PoolConfig holds session pool settings
type PoolConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	LeaseTimeout  time.Duration `mapstructure:"lease_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	ValidateAfter time.Duration `mapstructure:"validate_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TunnelConfig holds SSH tunnel settings
type TunnelConfig struct {
	IdleGrace         time.Duration `mapstructure:"idle_grace"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	EstablishTimeout  time.Duration `mapstructure:"establish_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// Retry returns the tunnel establishment retry policy.
func (c TunnelConfig) Retry() retry.Policy {
	return retry.Policy{MaxAttempts: c.MaxAttempts, InitialDelay: c.InitialDelay, MaxDelay: c.MaxDelay}
}

// StatementConfig holds statement execution settings
type StatementConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Prefetch       int           `mapstructure:"prefetch"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
}

// MetadataConfig holds metadata cache settings
type MetadataConfig struct {
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// ExportConfig holds export settings
type ExportConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// HistoryConfig holds execution history settings
type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Profile returns the profile with the given name.
func (c *Config) Profile(name string) (*profile.Profile, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}

// Loader reads configuration from a YAML file and DBNAV_ environment
// variables. Each Loader owns its own viper instance.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. If path is empty the file is searched as
// config.yaml in $HOME/.config/dbnav and the working directory.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/dbnav")
		v.AddConfigPath(".")
	}

	// Environment variable support
	v.AutomaticEnv()
	v.SetEnvPrefix("DBNAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)
	return &Loader{v: v}
}

// LoadConfig loads configuration from the default locations.
func LoadConfig() (*Config, error) {
	return NewLoader("").Load()
}

// Load reads, unmarshals and validates the configuration. A missing config
// file yields the defaults with no profiles.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Debug("No config file found, using defaults")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch reloads the file whenever it changes and reports the result. A
// reload that fails validation is reported with its error and leaves
// Current unchanged.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		logger.Info("Config file changed", "file", e.Name, "op", e.Op.String())

		cfg, err := l.decode()
		if err != nil {
			logger.Warn("Ignoring invalid config change", "file", e.Name, "error", err)
			onChange(nil, err)
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg, nil)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	normalizeProfiles(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeProfiles fills per-driver defaults.
func normalizeProfiles(cfg *Config) {
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		switch p.Driver {
		case profile.DriverPostgres:
			if p.Port == 0 {
				p.Port = 5432
			}
			if p.SSLMode == "" {
				p.SSLMode = "prefer"
			}
		case profile.DriverMySQL:
			if p.Port == 0 {
				p.Port = 3306
			}
		}
		if p.Tunnel != nil && p.Tunnel.Port == 0 {
			p.Tunnel.Port = 22
		}
	}
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Profiles))
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true

		if p.Driver == profile.DriverPostgres {
			validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
			if !contains(validSSLModes, p.SSLMode) {
				return fmt.Errorf("profile %s: sslmode must be one of: %v, got %s", p.Name, validSSLModes, p.SSLMode)
			}
		}
	}

	if cfg.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be >= 1, got %d", cfg.Pool.MaxSessions)
	}
	if cfg.Pool.LeaseTimeout < 0 {
		return fmt.Errorf("pool.lease_timeout must be >= 0, got %v", cfg.Pool.LeaseTimeout)
	}
	if cfg.Pool.SweepInterval < time.Second {
		return fmt.Errorf("pool.sweep_interval must be >= 1s, got %v", cfg.Pool.SweepInterval)
	}

	if cfg.Connection.MaxAttempts < 1 || cfg.Connection.MaxAttempts > 10 {
		return fmt.Errorf("connection.max_attempts must be between 1 and 10, got %d", cfg.Connection.MaxAttempts)
	}
	if cfg.Tunnel.MaxAttempts < 1 || cfg.Tunnel.MaxAttempts > 10 {
		return fmt.Errorf("tunnel.max_attempts must be between 1 and 10, got %d", cfg.Tunnel.MaxAttempts)
	}
	if cfg.Tunnel.KeepaliveInterval < time.Second {
		return fmt.Errorf("tunnel.keepalive_interval must be >= 1s, got %v", cfg.Tunnel.KeepaliveInterval)
	}

	if cfg.Statement.Prefetch < 1 || cfg.Statement.Prefetch > 100000 {
		return fmt.Errorf("statement.prefetch must be between 1 and 100000, got %d", cfg.Statement.Prefetch)
	}
	if cfg.Statement.CancelGrace < 100*time.Millisecond || cfg.Statement.CancelGrace > time.Minute {
		return fmt.Errorf("statement.cancel_grace must be between 100ms and 1m, got %v", cfg.Statement.CancelGrace)
	}

	if cfg.Metadata.Concurrency < 1 {
		return fmt.Errorf("metadata.concurrency must be >= 1, got %d", cfg.Metadata.Concurrency)
	}
	if cfg.Metadata.RefreshInterval < time.Second {
		return fmt.Errorf("metadata.refresh_interval must be >= 1s, got %v", cfg.Metadata.RefreshInterval)
	}

	if cfg.Export.BatchSize < 1 {
		return fmt.Errorf("export.batch_size must be >= 1, got %d", cfg.Export.BatchSize)
	}
	if cfg.History.MaxEntries < 1 {
		return fmt.Errorf("history.max_entries must be >= 1, got %d", cfg.History.MaxEntries)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Log.Level) {
		return fmt.Errorf("log.level must be one of: %v, got %s", validLevels, cfg.Log.Level)
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// applyDefaults sets default configuration values
func applyDefaults(v *viper.Viper) {
	// Connection defaults
	v.SetDefault("connection.connect_timeout", "10s")
	v.SetDefault("connection.max_attempts", 3)
	v.SetDefault("connection.initial_delay", "1s")
	v.SetDefault("connection.max_delay", "30s")

	// Pool defaults
	v.SetDefault("pool.max_sessions", 4)
	v.SetDefault("pool.lease_timeout", "30s")
	v.SetDefault("pool.idle_timeout", "10m")
	v.SetDefault("pool.validate_after", "1m")
	v.SetDefault("pool.sweep_interval", "1m")

	// Tunnel defaults
	v.SetDefault("tunnel.idle_grace", "30s")
	v.SetDefault("tunnel.keepalive_interval", "15s")
	v.SetDefault("tunnel.establish_timeout", "20s")
	v.SetDefault("tunnel.max_attempts", 3)
	v.SetDefault("tunnel.initial_delay", "1s")
	v.SetDefault("tunnel.max_delay", "30s")

	// Statement defaults
	v.SetDefault("statement.default_timeout", "0s")
	v.SetDefault("statement.prefetch", 256)
	v.SetDefault("statement.cancel_grace", "5s")

	// Metadata defaults
	v.SetDefault("metadata.stale_after", "5m")
	v.SetDefault("metadata.refresh_interval", "1m")
	v.SetDefault("metadata.concurrency", 4)

	v.SetDefault("export.batch_size", 500)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.max_entries", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}
