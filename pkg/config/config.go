package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lissto-dev/imagewatch/pkg/registry"
	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

// EnvPrefix prefixes every environment override, e.g. IMAGEWATCH_SERVER_ADDRESS
const EnvPrefix = "IMAGEWATCH"

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Registry RegistryConfig `mapstructure:"registry"`
	Check    CheckConfig    `mapstructure:"check"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	APIKeysFile string `mapstructure:"api_keys_file"`
	// InstanceIDFile persists the instance ID across restarts
	InstanceIDFile string `mapstructure:"instance_id_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	// All includes stopped containers
	All bool `mapstructure:"all"`
}

// CacheConfig selects where registry lookups are cached. An empty Dir keeps
// them in memory only.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type RegistryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// DigestTools restricts and orders the digest CLIs tried first; empty tries all
	DigestTools       []string      `mapstructure:"digest_tools"`
	DigestToolTimeout time.Duration `mapstructure:"digest_tool_timeout"`
	GitHubAPIURL      string        `mapstructure:"github_api_url"`
}

type CheckConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	UserID          string        `mapstructure:"user_id"`
	DisableFallback bool          `mapstructure:"disable_fallback"`
	// GitHubReposFile maps image repositories to GitHub repositories
	GitHubReposFile string `mapstructure:"github_repos_file"`
	// Containers is checked instead of, or in addition to, the Docker engine
	Containers []ContainerConfig `mapstructure:"containers"`
}

// ContainerConfig declares a container by hand
type ContainerConfig struct {
	Name          string `mapstructure:"name"`
	Image         string `mapstructure:"image"`
	CurrentDigest string `mapstructure:"current_digest"`
	GitHubRepo    string `mapstructure:"github_repo"`
}

// StaticContainers converts the configured containers for the update check.
// The name doubles as the container ID.
func (c CheckConfig) StaticContainers() updatecheck.StaticSource {
	out := make(updatecheck.StaticSource, 0, len(c.Containers))
	for _, ctr := range c.Containers {
		out = append(out, updatecheck.Container{
			ID:            "static:" + ctr.Name,
			Name:          ctr.Name,
			Image:         ctr.Image,
			CurrentDigest: ctr.CurrentDigest,
			GitHubRepo:    ctr.GitHubRepo,
		})
	}
	return out
}

type JobsConfig struct {
	StaleLockThreshold    time.Duration `mapstructure:"stale_lock_threshold"`
	StartupSweepThreshold time.Duration `mapstructure:"startup_sweep_threshold"`
	Timeout               time.Duration `mapstructure:"timeout"`
	Retention             time.Duration `mapstructure:"retention"`
	PruneInterval         time.Duration `mapstructure:"prune_interval"`
}

// SetDefaults registers a default for every key so environment overrides
// are picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.api_keys_file", "api-keys.yaml")
	v.SetDefault("server.instance_id_file", "data/instance-id")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.path", "data/imagewatch.db")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.all", false)

	v.SetDefault("cache.dir", "")

	v.SetDefault("registry.timeout", registry.DefaultTimeout)
	v.SetDefault("registry.digest_tools", []string{})
	v.SetDefault("registry.digest_tool_timeout", registry.DefaultDigestToolTimeout)
	v.SetDefault("registry.github_api_url", "https://api.github.com")

	v.SetDefault("check.interval", 6*time.Hour)
	v.SetDefault("check.concurrency", updatecheck.DefaultConcurrency)
	v.SetDefault("check.user_id", "")
	v.SetDefault("check.disable_fallback", false)
	v.SetDefault("check.github_repos_file", "")

	v.SetDefault("jobs.stale_lock_threshold", 5*time.Minute)
	v.SetDefault("jobs.startup_sweep_threshold", time.Hour)
	v.SetDefault("jobs.timeout", 5*time.Minute)
	v.SetDefault("jobs.retention", 30*24*time.Hour)
	v.SetDefault("jobs.prune_interval", 24*time.Hour)
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be positive")
	}
	if c.Check.Interval < 0 {
		return fmt.Errorf("check.interval must not be negative")
	}
	if c.Check.Concurrency <= 0 {
		return fmt.Errorf("check.concurrency must be positive")
	}
	if !c.Docker.Enabled && len(c.Check.Containers) == 0 {
		return fmt.Errorf("no container source: enable docker or list check.containers")
	}
	for i, ctr := range c.Check.Containers {
		if ctr.Name == "" || ctr.Image == "" {
			return fmt.Errorf("check.containers[%d]: name and image are required", i)
		}
	}
	if c.Jobs.StaleLockThreshold <= 0 {
		return fmt.Errorf("jobs.stale_lock_threshold must be positive")
	}
	if c.Jobs.StartupSweepThreshold <= 0 {
		return fmt.Errorf("jobs.startup_sweep_threshold must be positive")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be positive")
	}
	if c.Jobs.Timeout > c.Jobs.StaleLockThreshold {
		return fmt.Errorf("jobs.timeout must not exceed jobs.stale_lock_threshold")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be positive")
	}
	return nil
}
