// Package config handles configuration loading for drover.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coordinator.
type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	TaskStore  TaskStoreConfig  `mapstructure:"task_store"`
	Spawn      SpawnConfig      `mapstructure:"spawn"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Roles      RolesConfig      `mapstructure:"roles"`
	Signals    SignalsConfig    `mapstructure:"signals"`
}

// GatewayConfig selects and configures the execution gateway.
type GatewayConfig struct {
	// Mode is "http" for a remote gateway or "embedded" for the
	// in-process Anthropic-backed gateway.
	Mode string `mapstructure:"mode"`
	// BaseURL is the remote gateway's base URL (http mode).
	BaseURL string `mapstructure:"base_url"`
	// SpawnTimeout bounds a single spawn call.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	// RequestTimeout bounds listing calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Embedded EmbeddedConfig `mapstructure:"embedded"`
}

// EmbeddedConfig configures the embedded gateway (embedded mode).
type EmbeddedConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	UseAWSBedrock  bool          `mapstructure:"use_aws_bedrock"`
	AWSRegion      string        `mapstructure:"aws_region"`
	AWSProfile     string        `mapstructure:"aws_profile"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// RegistryConfig holds durable registry settings.
type RegistryConfig struct {
	// Path is the registry database file. Empty means
	// .drover/registry.db under the working directory.
	Path string `mapstructure:"path"`
}

// TaskStoreConfig holds task store settings.
type TaskStoreConfig struct {
	// Path is the task database file. Empty means .drover/tasks.db.
	Path string `mapstructure:"path"`
	// PollInterval is how often the queued lane is polled for
	// dispatchable tasks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SpawnConfig holds spawn queue settings.
type SpawnConfig struct {
	// InterSpawnDelay is the minimum pause between consecutive gateway
	// spawn calls.
	InterSpawnDelay time.Duration `mapstructure:"inter_spawn_delay"`
	// MaxRetries is the number of spawn attempts before a task is
	// blocked.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoff is the base delay before a retried spawn runs.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ReconcilerConfig holds reconciliation sweep settings.
type ReconcilerConfig struct {
	// PollInterval is the time between reconciliation sweeps.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MissThreshold is the number of consecutive sweeps an active session
	// must be absent from before being classified as an orphan.
	MissThreshold int `mapstructure:"miss_threshold"`
	// StuckAfter is the session age past which a stuck warning is logged.
	StuckAfter time.Duration `mapstructure:"stuck_after"`
}

// LimitsConfig holds concurrency limits.
type LimitsConfig struct {
	// MaxConcurrent is the global ceiling on active sessions.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// RolesConfig points at the role definitions file.
type RolesConfig struct {
	// Path is the roles YAML file. Empty means .drover/roles.yaml.
	Path string `mapstructure:"path"`
}

// SignalsConfig holds completion-signal settings.
type SignalsConfig struct {
	// Dir is the directory watched for completion markers. Empty means
	// .drover/signals.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (DROVER_*)
// 2. Project config (.drover.yaml in current directory or a parent)
// 3. User config (~/.config/drover/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()
	v.BindEnv("gateway.embedded.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Gateway.Embedded.APIKey = os.ExpandEnv(cfg.Gateway.Embedded.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Gateway.Embedded.APIKey = os.ExpandEnv(cfg.Gateway.Embedded.APIKey)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.mode", "http")
	v.SetDefault("gateway.base_url", "http://localhost:7433")
	v.SetDefault("gateway.spawn_timeout", "30s")
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.embedded.api_key", "")
	v.SetDefault("gateway.embedded.model", "")
	v.SetDefault("gateway.embedded.use_aws_bedrock", false)
	v.SetDefault("gateway.embedded.session_timeout", "15m")

	v.SetDefault("registry.path", "")
	v.SetDefault("task_store.path", "")
	v.SetDefault("task_store.poll_interval", "5s")

	v.SetDefault("spawn.inter_spawn_delay", "3s")
	v.SetDefault("spawn.max_retries", 3)
	v.SetDefault("spawn.retry_backoff", "5s")

	v.SetDefault("reconciler.poll_interval", "15s")
	v.SetDefault("reconciler.miss_threshold", 2)
	v.SetDefault("reconciler.stuck_after", "15m")

	v.SetDefault("limits.max_concurrent", 4)

	v.SetDefault("roles.path", "")
	v.SetDefault("signals.dir", "")
}

// getUserConfigDir returns the XDG config directory for drover.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drover")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "drover")
	}
	return filepath.Join(home, ".config", "drover")
}

// findProjectConfig searches for .drover.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".drover.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
