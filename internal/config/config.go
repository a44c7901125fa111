// Package config handles configuration loading and management for agentorch.
// It supports XDG config paths, project-level overrides, and environment variables.
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

const (
	// ProjectConfigName is the project override file looked up from the working directory upwards.
	ProjectConfigName = ".agentorch.yaml"
	// EnvPrefix prefixes every environment override, e.g. AGENTORCH_POOL_MAX_CONCURRENT.
	EnvPrefix = "AGENTORCH"
)

// Store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config holds all configuration for agentorch.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Store     StoreConfig     `mapstructure:"store"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Events    EventsConfig    `mapstructure:"events"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`
	UseBedrock   bool   `mapstructure:"use_bedrock"`
	AWSRegion    string `mapstructure:"aws_region"`
	AWSProfile   string `mapstructure:"aws_profile"`
}

// PoolConfig bounds concurrent provider invocations across all runs.
type PoolConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// RetryConfig holds the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DecisionConfig controls autonomous answers.
type DecisionConfig struct {
	// Threshold is the minimum confidence for an answer that is not escalated.
	Threshold float64 `mapstructure:"threshold"`
	Provider  string  `mapstructure:"provider"`
	Model     string  `mapstructure:"model"`
	// KnowledgeFile is an optional YAML file of known answers.
	KnowledgeFile string `mapstructure:"knowledge_file"`
}

// PathsConfig locates workflow definitions and runtime state.
type PathsConfig struct {
	Workflows string `mapstructure:"workflows"`
	// StateDir holds run snapshots, escalations, logs and the decision log.
	StateDir string `mapstructure:"state_dir"`
}

// StoreConfig selects the run snapshot backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// WorkspaceConfig configures isolated working copies.
type WorkspaceConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	BranchPrefix string `mapstructure:"branch_prefix"`
	BaseRef      string `mapstructure:"base_ref"`
	// Remote receives finalized branches. Empty means origin; a repository
	// without the remote keeps branches local.
	Remote string `mapstructure:"remote"`
}

// EngineConfig holds workflow engine limits and defaults.
type EngineConfig struct {
	MaxStepExecutions int    `mapstructure:"max_step_executions"`
	DefaultProvider   string `mapstructure:"default_provider"`
	DefaultModel      string `mapstructure:"default_model"`
}

// MetricsConfig controls the Prometheus endpoint served by `agentorch serve`.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// EventsConfig controls run lifecycle event publishing.
type EventsConfig struct {
	// NatsURL enables the NATS sink when set.
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	BufferSize    int    `mapstructure:"buffer_size"`
	// Log mirrors every event to the process log.
	Log bool `mapstructure:"log"`
}

// RunsDir returns the directory run snapshots are stored in by the file store.
func (p PathsConfig) RunsDir() string { return filepath.Join(p.StateDir, "runs") }

// EscalationsDir returns the directory escalation records are stored in.
func (p PathsConfig) EscalationsDir() string { return filepath.Join(p.StateDir, "escalations") }

// LogsDir returns the directory debug logs are written to.
func (p PathsConfig) LogsDir() string { return filepath.Join(p.StateDir, "logs") }

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AGENTORCH_*)
// 2. Project config (.agentorch.yaml in current directory or parent)
// 3. User config (~/.config/agentorch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return load(getUserConfigDir(), cwd)
}

func load(userConfigDir, startDir string) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(startDir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", EnvPrefix+"_ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.RedisURL = expandEnv(cfg.Store.RedisURL)
	cfg.Events.NatsURL = expandEnv(cfg.Events.NatsURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("pool.max_concurrent must be at least 1, got %d", c.Pool.MaxConcurrent))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay (%s) is shorter than retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Decision.Threshold <= 0 || c.Decision.Threshold > 1 {
		errs = append(errs, fmt.Errorf("decision.threshold must be in (0, 1], got %g", c.Decision.Threshold))
	}
	switch c.Store.Backend {
	case StoreFile:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", StoreFile, StoreRedis, c.Store.Backend))
	}
	if c.Engine.MaxStepExecutions < 1 {
		errs = append(errs, fmt.Errorf("engine.max_step_executions must be at least 1, got %d", c.Engine.MaxStepExecutions))
	}
	if c.Paths.StateDir == "" {
		errs = append(errs, errors.New("paths.state_dir is required"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as YAML, creating the directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	return v.WriteConfig()
}

// Settings returns cfg as flat viper keys, with durations rendered as strings.
// The API key is masked.
func (c *Config) Settings() map[string]any {
	s := c.settings()
	s["anthropic.api_key"] = MaskAPIKey(c.Anthropic.APIKey)
	return s
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"anthropic.api_key":          c.Anthropic.APIKey,
		"anthropic.default_model":    c.Anthropic.DefaultModel,
		"anthropic.use_bedrock":      c.Anthropic.UseBedrock,
		"anthropic.aws_region":       c.Anthropic.AWSRegion,
		"anthropic.aws_profile":      c.Anthropic.AWSProfile,
		"pool.max_concurrent":        c.Pool.MaxConcurrent,
		"pool.default_timeout":       c.Pool.DefaultTimeout.String(),
		"retry.max_attempts":         c.Retry.MaxAttempts,
		"retry.base_delay":           c.Retry.BaseDelay.String(),
		"retry.max_delay":            c.Retry.MaxDelay.String(),
		"decision.threshold":         c.Decision.Threshold,
		"decision.provider":          c.Decision.Provider,
		"decision.model":             c.Decision.Model,
		"decision.knowledge_file":    c.Decision.KnowledgeFile,
		"paths.workflows":            c.Paths.Workflows,
		"paths.state_dir":            c.Paths.StateDir,
		"store.backend":              c.Store.Backend,
		"store.redis_url":            c.Store.RedisURL,
		"store.redis_prefix":         c.Store.RedisPrefix,
		"workspace.base_dir":         c.Workspace.BaseDir,
		"workspace.branch_prefix":    c.Workspace.BranchPrefix,
		"workspace.base_ref":         c.Workspace.BaseRef,
		"workspace.remote":           c.Workspace.Remote,
		"engine.max_step_executions": c.Engine.MaxStepExecutions,
		"engine.default_provider":    c.Engine.DefaultProvider,
		"engine.default_model":       c.Engine.DefaultModel,
		"metrics.enabled":            c.Metrics.Enabled,
		"metrics.addr":               c.Metrics.Addr,
		"metrics.namespace":          c.Metrics.Namespace,
		"events.nats_url":            c.Events.NatsURL,
		"events.subject_prefix":      c.Events.SubjectPrefix,
		"events.buffer_size":         c.Events.BufferSize,
		"events.log":                 c.Events.Log,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return findProjectConfig(cwd)
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	for key, value := range Default().settings() {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for agentorch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agentorch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "agentorch")
	}
	return filepath.Join(home, ".config", "agentorch")
}

// findProjectConfig searches for .agentorch.yaml in dir and its parents.
func findProjectConfig(dir string) string {
	for {
		configPath := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			DefaultModel: "claude-sonnet-4-20250514",
		},
		Pool: PoolConfig{
			MaxConcurrent:  4,
			DefaultTimeout: 10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Decision: DecisionConfig{
			Threshold: 0.75,
			Provider:  "anthropic",
		},
		Paths: PathsConfig{
			Workflows: filepath.Join(".agentorch", "workflows"),
			StateDir:  ".agentorch",
		},
		Store: StoreConfig{
			Backend:     StoreFile,
			RedisPrefix: "agentorch",
		},
		Workspace: WorkspaceConfig{
			BaseDir:      filepath.Join(".agentorch", "workspaces"),
			BranchPrefix: "agentorch/",
			BaseRef:      "HEAD",
		},
		Engine: EngineConfig{
			MaxStepExecutions: 10000,
			DefaultProvider:   "anthropic",
		},
		Metrics: MetricsConfig{
			Addr:      ":9464",
			Namespace: "agentorch",
		},
		Events: EventsConfig{
			SubjectPrefix: "agentorch",
			BufferSize:    256,
			Log:           true,
		},
	}
}
