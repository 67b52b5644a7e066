// Package config loads the YAML configuration of the scadaconnector daemon.
// Environment variables written as ${VAR_NAME} are expanded and duration
// strings are parsed into time.Duration values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Signals SignalsConfig `yaml:"signals"`
	Store   StoreConfig   `yaml:"store"`
	Timing  TimingConfig  `yaml:"timing"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig describes the remote signal service.
type ServerConfig struct {
	URL        string `yaml:"url"`
	UserName   string `yaml:"user"`
	Password   string `yaml:"password"`
	MaxRetries int    `yaml:"max_retries"`
	// WindowsUser logs in the Windows account of the process instead of user.
	WindowsUser bool `yaml:"windows_user"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// SignalsConfig lists the signals to subscribe to.
type SignalsConfig struct {
	Names []string `yaml:"names"`
	// Count caps the definitions returned by the alias lookup.
	Count int `yaml:"count"`
}

// StoreConfig selects where the session identity is kept.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis connection used by the redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TimingConfig overrides the connector timers.
type TimingConfig struct {
	Debounce time.Duration `yaml:"-"`
	Cooldown time.Duration `yaml:"-"`
	Backoff  time.Duration `yaml:"-"`

	DebounceRaw string `yaml:"debounce"`
	CooldownRaw string `yaml:"cooldown"`
	BackoffRaw  string `yaml:"backoff"`

	FailureThreshold int `yaml:"failure_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Dir enables a daily rotated log file in this directory.
	Dir string `yaml:"dir"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if u, err := url.Parse(c.Server.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url %q is not an absolute URL", c.Server.URL)
	}
	if (c.Server.UserName == "") != (c.Server.Password == "") {
		return fmt.Errorf("server.user and server.password must be set together")
	}
	if c.Server.WindowsUser && c.Server.UserName != "" {
		return fmt.Errorf("server.windows_user cannot be combined with server.user")
	}
	if c.Server.MaxRetries < 0 {
		return fmt.Errorf("server.max_retries must not be negative")
	}
	if c.Signals.Count < 0 {
		return fmt.Errorf("signals.count must not be negative")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of %s, %s", c.Store.Backend, StoreMemory, StoreRedis)
	}

	if c.Timing.FailureThreshold < 0 {
		return fmt.Errorf("timing.failure_threshold must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.poll_interval", cfg.Server.PollIntervalRaw, &cfg.Server.PollInterval},
		{"timing.debounce", cfg.Timing.DebounceRaw, &cfg.Timing.Debounce},
		{"timing.cooldown", cfg.Timing.CooldownRaw, &cfg.Timing.Cooldown},
		{"timing.backoff", cfg.Timing.BackoffRaw, &cfg.Timing.Backoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
