// Package config provides configuration management for Conductor.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Import Path: conductor.io/conductor/internal/config
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Hypervisor HypervisorConfig `mapstructure:"hypervisor"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// The pool is shared by the repository and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize    int `mapstructure:"general_pool_size"`
	HypervisorPoolSize int `mapstructure:"hypervisor_pool_size"`
}

// HypervisorConfig selects the hypervisor driver and tunes the workflows.
type HypervisorConfig struct {
	Driver string `mapstructure:"driver"`

	// Host names this conductor's hypervisor host on migration records.
	Host     string `mapstructure:"host"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	RunningTimeout      time.Duration `mapstructure:"running_timeout"`
	AgentVersionTimeout time.Duration `mapstructure:"agent_version_timeout"`
	AgentPollInterval   time.Duration `mapstructure:"agent_poll_interval"`
	GenerateSwap        bool          `mapstructure:"generate_swap"`
	FlatInjected        bool          `mapstructure:"flat_injected"`

	// AgentBuildsFile is an optional YAML catalog of agent builds. When
	// empty, builds are read from the database.
	AgentBuildsFile string `mapstructure:"agent_builds_file"`
	// CipherDigest is the key-derivation digest shared with the guest agent.
	CipherDigest string `mapstructure:"cipher_digest"`
}

// ReconcileConfig tunes the periodic reconciliation loops. A zero timeout
// disables the loop.
type ReconcileConfig struct {
	RebootTimeout       time.Duration `mapstructure:"reboot_timeout"`
	RescueTimeout       time.Duration `mapstructure:"rescue_timeout"`
	ResizeConfirmWindow time.Duration `mapstructure:"resize_confirm_window"`
	Interval            time.Duration `mapstructure:"interval"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_URL, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/conductor")

	// Maps nested config: hypervisor.agent_version_timeout → HYPERVISOR_AGENT_VERSION_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"hypervisor.running_timeout", c.Hypervisor.RunningTimeout},
		{"hypervisor.agent_version_timeout", c.Hypervisor.AgentVersionTimeout},
		{"hypervisor.agent_poll_interval", c.Hypervisor.AgentPollInterval},
		{"reconcile.reboot_timeout", c.Reconcile.RebootTimeout},
		{"reconcile.rescue_timeout", c.Reconcile.RescueTimeout},
		{"reconcile.resize_confirm_window", c.Reconcile.ResizeConfirmWindow},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.key, d.d)
		}
	}
	if c.Reconcile.Interval < time.Second {
		return fmt.Errorf("reconcile.interval must be at least 1s, got %s", c.Reconcile.Interval)
	}
	if strings.TrimSpace(c.Hypervisor.Driver) == "" {
		return fmt.Errorf("hypervisor.driver must not be empty")
	}
	if c.Worker.GeneralPoolSize <= 0 || c.Worker.HypervisorPoolSize <= 0 {
		return fmt.Errorf("worker pool sizes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "conductor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "conductor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker Pool
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.hypervisor_pool_size", 20)

	// Hypervisor
	v.SetDefault("hypervisor.driver", "fake")
	v.SetDefault("hypervisor.host", "")
	v.SetDefault("hypervisor.url", "")
	v.SetDefault("hypervisor.username", "")
	v.SetDefault("hypervisor.password", "")
	v.SetDefault("hypervisor.running_timeout", "60s")
	v.SetDefault("hypervisor.agent_version_timeout", "300s")
	v.SetDefault("hypervisor.agent_poll_interval", "1s")
	v.SetDefault("hypervisor.generate_swap", false)
	v.SetDefault("hypervisor.flat_injected", false)
	v.SetDefault("hypervisor.agent_builds_file", "")
	v.SetDefault("hypervisor.cipher_digest", "md5")

	// Reconcile: zero disables a loop
	v.SetDefault("reconcile.reboot_timeout", "0s")
	v.SetDefault("reconcile.rescue_timeout", "0s")
	v.SetDefault("reconcile.resize_confirm_window", "0s")
	v.SetDefault("reconcile.interval", "60s")
}
