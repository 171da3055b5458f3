// Package config loads flowmesh configuration from YAML or TOML files,
// layered over defaults and FLOWMESH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/flowmesh/llmrouter"
	"github.com/hupe1980/flowmesh/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWMESH_"

// Duration is a time.Duration that reads and writes strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete flowmesh configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" toml:"engine"`
	Wait    WaitConfig    `yaml:"wait" toml:"wait"`
	LLM     LLMConfig     `yaml:"llm" toml:"llm"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	NATS    NATSConfig    `yaml:"nats" toml:"nats"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Scripts ScriptsConfig `yaml:"scripts" toml:"scripts"`
}

// EngineConfig tunes the step scheduler.
type EngineConfig struct {
	// MaxConcurrentBranches bounds concurrently executing bot and LLM calls.
	MaxConcurrentBranches int `yaml:"max_concurrent_branches" toml:"max_concurrent_branches"`
	// MaxLLMCalls bounds LLM calls per execution; 0 is unlimited.
	MaxLLMCalls            int      `yaml:"max_llm_calls" toml:"max_llm_calls"`
	DefaultApprovalTimeout Duration `yaml:"default_approval_timeout" toml:"default_approval_timeout"`
	DefaultHearRetries     int      `yaml:"default_hear_retries" toml:"default_hear_retries"`
}

// WaitConfig tunes the wait manager.
type WaitConfig struct {
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LLMConfig holds the model catalog and provider credentials.
type LLMConfig struct {
	QualityFloor     float64               `yaml:"quality_floor" toml:"quality_floor"`
	FailureThreshold int                   `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  Duration              `yaml:"recovery_timeout" toml:"recovery_timeout"`
	MaxAttempts      int                   `yaml:"max_attempts" toml:"max_attempts"`
	Models           []llmrouter.ModelSpec `yaml:"models" toml:"models"`
	OpenAI           ProviderConfig        `yaml:"openai" toml:"openai"`
	Anthropic        ProviderConfig        `yaml:"anthropic" toml:"anthropic"`
}

// Catalog returns the routing catalog.
func (c LLMConfig) Catalog() llmrouter.Catalog {
	return llmrouter.Catalog{QualityFloor: c.QualityFloor, Models: c.Models}
}

// ProviderConfig configures one SDK provider. An empty APIKey falls back to
// the SDK's own environment lookup.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// StoreConfig selects the execution store backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// NATSConfig enables the NATS event bridge when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// LoggerConfig maps the log section onto a logging.LoggerConfig.
func (c LogConfig) LoggerConfig() *logging.LoggerConfig {
	return &logging.LoggerConfig{Level: logging.ParseLevel(c.Level), Format: c.Format, Output: os.Stderr}
}

// ScriptsConfig points at the script directory.
type ScriptsConfig struct {
	Dir     string `yaml:"dir" toml:"dir"`
	Pattern string `yaml:"pattern" toml:"pattern"`
	Watch   bool   `yaml:"watch" toml:"watch"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentBranches:  10,
			DefaultApprovalTimeout: Duration(time.Hour),
			DefaultHearRetries:     3,
		},
		Wait: WaitConfig{SweepInterval: Duration(time.Second)},
		LLM: LLMConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  Duration(30 * time.Second),
			MaxAttempts:      1,
		},
		Store:   StoreConfig{Driver: "memory"},
		NATS:    NATSConfig{Prefix: "flowmesh.events"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Scripts: ScriptsConfig{Pattern: "**/*.flow"},
	}
}

// Load reads path (YAML or TOML by extension) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.decode(filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml" or "toml") over the defaults.
func Parse(format string, data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode("."+strings.TrimPrefix(format, "."), data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".toml":
		return toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// ApplyEnv overrides fields from FLOWMESH_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_PREFIX", &c.NATS.Prefix)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("SCRIPTS_DIR", &c.Scripts.Dir)
	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("ANTHROPIC_API_KEY", &c.LLM.Anthropic.APIKey)

	var errs []error
	if v := getenv(EnvPrefix + "MAX_CONCURRENT_BRANCHES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_CONCURRENT_BRANCHES: %w", EnvPrefix, err))
		} else {
			c.Engine.MaxConcurrentBranches = n
		}
	}
	if v := getenv(EnvPrefix + "SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSWEEP_INTERVAL: %w", EnvPrefix, err))
		} else {
			c.Wait.SweepInterval = Duration(d)
		}
	}
	if v := getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMETRICS_ENABLED: %w", EnvPrefix, err))
		} else {
			c.Metrics.Enabled = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrentBranches < 0 {
		errs = append(errs, errors.New("engine.max_concurrent_branches must not be negative"))
	}
	if c.Engine.MaxLLMCalls < 0 {
		errs = append(errs, errors.New("engine.max_llm_calls must not be negative"))
	}
	if c.Engine.DefaultHearRetries < 0 {
		errs = append(errs, errors.New("engine.default_hear_retries must not be negative"))
	}
	if c.Wait.SweepInterval <= 0 {
		errs = append(errs, errors.New("wait.sweep_interval must be positive"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}
	if c.LLM.QualityFloor < 0 {
		errs = append(errs, errors.New("llm.quality_floor must not be negative"))
	}
	if err := c.LLM.Catalog().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("llm.models: %w", err))
	}
	return errors.Join(errs...)
}
